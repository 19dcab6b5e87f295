package frames

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerTEM  = 0x01
	markerRST0 = 0xD0
	markerRST7 = 0xD7

	// Single encoded image larger than this is treated as a broken stream
	maxJPEGSize = 64 << 20
)

var errJPEGTooLarge = errors.New("jpeg image exceeds size limit")

// jpegStream cuts concatenated JPEG images (MJPEG as written by ffmpeg image2pipe)
// into single encoded images by walking their markers.
type jpegStream struct {
	r *bufio.Reader
}

func newJPEGStream(r io.Reader) *jpegStream {
	return &jpegStream{r: bufio.NewReaderSize(r, 1<<16)}
}

// next returns the next encoded image. Returns io.EOF when the stream ends
// between images and io.ErrUnexpectedEOF when it ends inside one.
func (js *jpegStream) next() ([]byte, error) {
	if err := js.seekSOI(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, markerSOI})

	marker, err := js.readMarker()
	for {
		if err != nil {
			return nil, unexpected(err)
		}
		if buf.Len() > maxJPEGSize {
			return nil, errJPEGTooLarge
		}
		buf.Write([]byte{0xFF, marker})
		switch {
		case marker == markerEOI:
			return buf.Bytes(), nil
		case marker == markerTEM, marker >= markerRST0 && marker <= markerRST7:
			marker, err = js.readMarker()
			continue
		}

		var length [2]byte
		if _, err = io.ReadFull(js.r, length[:]); err != nil {
			continue
		}
		buf.Write(length[:])
		n := int64(binary.BigEndian.Uint16(length[:])) - 2
		if n < 0 {
			return nil, errors.Errorf("bad length of jpeg segment 0x%X", marker)
		}
		if _, err = io.CopyN(&buf, js.r, n); err != nil {
			continue
		}
		if marker == markerSOS {
			marker, err = js.scan(&buf)
		} else {
			marker, err = js.readMarker()
		}
	}
}

// seekSOI skips bytes until start of image marker
func (js *jpegStream) seekSOI() error {
	prevFF := false
	for {
		b, err := js.r.ReadByte()
		if err != nil {
			return err
		}
		if prevFF && b == markerSOI {
			return nil
		}
		prevFF = b == 0xFF
	}
}

// readMarker reads 0xFF, skips fill bytes and returns the marker code
func (js *jpegStream) readMarker() (byte, error) {
	b, err := js.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != 0xFF {
		return 0, errors.Errorf("expected jpeg marker, got 0x%X", b)
	}
	for b == 0xFF {
		if b, err = js.r.ReadByte(); err != nil {
			return 0, err
		}
	}
	if b == 0x00 {
		return 0, errors.New("stuffed byte outside of scan data")
	}
	return b, nil
}

// scan copies entropy coded data and returns the marker which terminates it
func (js *jpegStream) scan(buf *bytes.Buffer) (byte, error) {
	for {
		b, err := js.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != 0xFF {
			buf.WriteByte(b)
			continue
		}
		c, err := js.r.ReadByte()
		for err == nil && c == 0xFF {
			c, err = js.r.ReadByte()
		}
		if err != nil {
			return 0, err
		}
		if c == 0x00 || (c >= markerRST0 && c <= markerRST7) {
			buf.Write([]byte{0xFF, c})
			if buf.Len() > maxJPEGSize {
				return 0, errJPEGTooLarge
			}
			continue
		}
		return c, nil
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
