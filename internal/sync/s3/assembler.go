package s3

import (
	"bytes"
	"fmt"
)

// partAssembler turns the pipeline's ordered chunks into multipart parts
// of at least minSize bytes.
type partAssembler struct {
	minSize int
	next    int
	buf     bytes.Buffer
}

func newPartAssembler(minSize int) *partAssembler {
	return &partAssembler{minSize: minSize}
}

// Add appends chunk, which must carry the next expected index. It returns
// a part once the buffer holds at least minSize bytes.
func (a *partAssembler) Add(index int, chunk []byte) ([]byte, error) {
	if index != a.next {
		return nil, fmt.Errorf("chunk %d out of order, expected %d", index, a.next)
	}
	a.next++
	a.buf.Write(chunk)
	if a.buf.Len() < a.minSize {
		return nil, nil
	}
	return a.take(), nil
}

// Flush returns whatever is buffered.
func (a *partAssembler) Flush() []byte {
	return a.take()
}

func (a *partAssembler) take() []byte {
	part := make([]byte, a.buf.Len())
	copy(part, a.buf.Bytes())
	a.buf.Reset()
	return part
}
