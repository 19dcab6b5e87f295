package mot

import (
	"github.com/arthurkushman/go-hungarian"
)

// MatchingAlgorithm is for algorithm type for matching detections to tracks
type MatchingAlgorithm uint16

const (
	// MatchingAlgorithmGreedy matches every detection to its best track in detection order.
	// A track may be claimed by more than one detection
	MatchingAlgorithmGreedy MatchingAlgorithm = iota
	// MatchingAlgorithmHungarian uses the Hungarian algorithm (Kuhn-Munkres) for optimal one-to-one assignment
	MatchingAlgorithmHungarian
)

// String returns configuration name of the algorithm
func (algo MatchingAlgorithm) String() string {
	switch algo {
	case MatchingAlgorithmHungarian:
		return "hungarian"
	default:
		return "greedy"
	}
}

// ParseMatchingAlgorithm converts configuration name to MatchingAlgorithm
func ParseMatchingAlgorithm(name string) (MatchingAlgorithm, bool) {
	switch name {
	case "", "greedy":
		return MatchingAlgorithmGreedy, true
	case "hungarian":
		return MatchingAlgorithmHungarian, true
	default:
		return MatchingAlgorithmGreedy, false
	}
}

// Assignment pairs detection with live track
type Assignment struct {
	Detection      Detection
	DetectionIndex int
	TrackID        TrackID
	IoU            float64
}

// MatchResult is the outcome of a single matching pass.
type MatchResult struct {
	Assignments []Assignment
	// Detections with no track overlapping above threshold. Order of input is kept
	Unmatched []Detection
	// Detections with zero area or non-finite coordinates. They are neither matched nor treated as new faces
	Rejected []Detection
}

// Matcher associates detections with live tracks by bounding box overlap.
type Matcher struct {
	// Pairing is accepted only when IoU is strictly greater
	iouThreshold float64
	algorithm    MatchingAlgorithm
}

// NewDefaultMatcher creates greedy matcher with IoU threshold 0.5
func NewDefaultMatcher() *Matcher {
	return NewMatcher(0.5, MatchingAlgorithmGreedy)
}

// NewMatcher creates new instance of Matcher
func NewMatcher(iouThreshold float64, algorithm MatchingAlgorithm) *Matcher {
	return &Matcher{
		iouThreshold: iouThreshold,
		algorithm:    algorithm,
	}
}

// Algorithm returns matching algorithm in use
func (m *Matcher) Algorithm() MatchingAlgorithm {
	return m.algorithm
}

// Match associates detections with tracks. Tracks are not modified.
func (m *Matcher) Match(detections []Detection, tracks []Track) MatchResult {
	result := MatchResult{}
	valid := make([]int, 0, len(detections))
	for i, det := range detections {
		if det.Box.IsDegenerate() {
			result.Rejected = append(result.Rejected, det)
			continue
		}
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return result
	}

	iouMatrix := createIoUMatrix(detections, valid, tracks)
	var pairs [][2]int
	switch m.algorithm {
	case MatchingAlgorithmHungarian:
		pairs = m.performHungarianMatching(iouMatrix, len(valid), len(tracks))
	default:
		pairs = m.performGreedyMatching(iouMatrix)
	}

	matched := make(map[int]struct{}, len(pairs))
	for _, pair := range pairs {
		detIdx := valid[pair[0]]
		matched[detIdx] = struct{}{}
		result.Assignments = append(result.Assignments, Assignment{
			Detection:      detections[detIdx],
			DetectionIndex: detIdx,
			TrackID:        tracks[pair[1]].ID,
			IoU:            iouMatrix[pair[0]][pair[1]],
		})
	}
	for _, detIdx := range valid {
		if _, ok := matched[detIdx]; !ok {
			result.Unmatched = append(result.Unmatched, detections[detIdx])
		}
	}
	return result
}

// createIoUMatrix builds matrix with a row per valid detection and a column per track.
func createIoUMatrix(detections []Detection, valid []int, tracks []Track) [][]float64 {
	iouMatrix := make([][]float64, len(valid))
	for i, detIdx := range valid {
		row := make([]float64, len(tracks))
		for j, track := range tracks {
			row[j] = IoU(detections[detIdx].Box, track.Box)
		}
		iouMatrix[i] = row
	}
	return iouMatrix
}

// performGreedyMatching picks the best track for each detection in order.
// Ties go to the earlier track. Returns pairs of {detectionRow, trackColumn}.
func (m *Matcher) performGreedyMatching(iouMatrix [][]float64) [][2]int {
	matches := make([][2]int, 0, len(iouMatrix))
	for i, row := range iouMatrix {
		bestIoU := -1.0
		bestTrack := -1
		for j, iouVal := range row {
			if iouVal > bestIoU {
				bestIoU = iouVal
				bestTrack = j
			}
		}
		if bestTrack != -1 && bestIoU > m.iouThreshold {
			matches = append(matches, [2]int{i, bestTrack})
		}
	}
	return matches
}

// performHungarianMatching solves global assignment maximizing total IoU.
// Rectangular matrix is padded with zeros, pairs under threshold are dropped.
func (m *Matcher) performHungarianMatching(iouMatrix [][]float64, numDetections, numTracks int) [][2]int {
	if numDetections == 0 || numTracks == 0 {
		return [][2]int{}
	}
	paddedSize := maxInt(numDetections, numTracks)
	paddedMatrix := make([][]float64, paddedSize)
	for i := 0; i < paddedSize; i++ {
		paddedMatrix[i] = make([]float64, paddedSize)
		if i < numDetections {
			copy(paddedMatrix[i], iouMatrix[i])
		}
	}
	assignmentsMap := hungarian.SolveMax(paddedMatrix)
	matches := make([][2]int, 0, numDetections)
	for detRow := 0; detRow < numDetections; detRow++ {
		rowMap, ok := assignmentsMap[detRow]
		if !ok {
			continue
		}
		for trackCol := range rowMap {
			if trackCol < numTracks && iouMatrix[detRow][trackCol] > m.iouThreshold {
				matches = append(matches, [2]int{detRow, trackCol})
			}
			break
		}
	}
	return matches
}
