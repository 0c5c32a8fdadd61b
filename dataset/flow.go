package dataset

import (
	"encoding/binary"
	"fmt"
	"io"
)

// floMagic is the float sentinel at the head of a Middlebury .flo
// file; its bytes read "PIEH" in ASCII.
const floMagic = 202021.25

// ReadFlo decodes a Middlebury .flo motion field into planar u then v
// components, width contiguous.
func ReadFlo(r io.Reader) (data []float32, width, height int, err error) {
	var header struct {
		Magic         float32
		Width, Height int32
	}

	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("flo header: %w", err)
	}

	if header.Magic != floMagic {
		return nil, 0, 0, fmt.Errorf("bad flo magic %v", header.Magic)
	}

	width, height = int(header.Width), int(header.Height)
	if width < 1 || height < 1 || width > 1<<16 || height > 1<<16 {
		return nil, 0, 0, fmt.Errorf("bad flo size %dx%d", width, height)
	}

	interleaved := make([]float32, 2*width*height)
	if err := binary.Read(r, binary.LittleEndian, interleaved); err != nil {
		return nil, 0, 0, fmt.Errorf("flo data: %w", err)
	}

	n := width * height
	data = make([]float32, 2*n)
	for i := range n {
		data[i] = interleaved[2*i]
		data[n+i] = interleaved[2*i+1]
	}

	return data, width, height, nil
}
