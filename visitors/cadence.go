package visitors

// ShouldRunDetection reports whether detector runs on frame with 1-based frameIndex.
// skip below 1 means every frame.
func ShouldRunDetection(frameIndex, skip int) bool {
	if skip <= 1 {
		return true
	}
	return frameIndex%skip == 0
}
