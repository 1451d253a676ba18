// Package chunk splits outbound payloads into transport sized frames.
package chunk

import (
	"iter"

	"github.com/pkg/errors"
)

// DefaultFrameSize is the largest write the shield accepts in one frame.
const DefaultFrameSize = 20

// HeaderByte is prepended to every payload in the headered wire variant.
const HeaderByte byte = 0x00

var ErrFrameSize = errors.New("frame size must be at least 1")

// Variant selects how payloads are framed for a given shield firmware.
type Variant int

const (
	// Headered prepends one HeaderByte to each logical payload.
	Headered Variant = iota
	// Unheadered sends the raw payload.
	Unheadered
)

func (v Variant) String() string {
	switch v {
	case Headered:
		return "headered"
	case Unheadered:
		return "unheadered"
	}
	return "unknown"
}

// ParseVariant parses the names returned by Variant.String.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "headered":
		return Headered, nil
	case "unheadered":
		return Unheadered, nil
	}
	return 0, errors.Errorf("unknown wire variant %q", s)
}

// Header returns the header byte for the variant, or nil.
func (v Variant) Header() *byte {
	if v == Headered {
		h := HeaderByte
		return &h
	}
	return nil
}

// Frames is a lazily split payload. The zero value yields nothing.
type Frames struct {
	payload []byte
	size    int
	header  *byte
}

// New returns the frames of payload, with header (if non-nil) prepended once.
func New(payload []byte, maxFrameSize int, header *byte) Frames {
	f := Frames{payload: payload, size: maxFrameSize}
	if header != nil {
		h := *header
		f.header = &h
	}
	return f
}

// Validate reports whether the frame size is usable.
func (f Frames) Validate() error {
	if f.size < 1 {
		return errors.Wrapf(ErrFrameSize, "got %d", f.size)
	}
	return nil
}

// Len is the logical length, header included. An empty payload has no
// header and no frames.
func (f Frames) Len() int {
	n := len(f.payload)
	if n > 0 && f.header != nil {
		n++
	}
	return n
}

// Count is the number of frames All yields.
func (f Frames) Count() int {
	if f.size < 1 {
		return 0
	}
	return (f.Len() + f.size - 1) / f.size
}

// at returns the logical byte at i.
func (f Frames) at(i int) byte {
	if f.header != nil {
		if i == 0 {
			return *f.header
		}
		return f.payload[i-1]
	}
	return f.payload[i]
}

// All yields each frame in order. Every frame is a fresh slice; only the last
// may be shorter than the frame size. It can be ranged over any number of times.
func (f Frames) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if f.size < 1 {
			return
		}
		total := f.Len()
		for off := 0; off < total; off += f.size {
			end := off + f.size
			if end > total {
				end = total
			}
			frame := make([]byte, end-off)
			for i := range frame {
				frame[i] = f.at(off + i)
			}
			if !yield(frame) {
				return
			}
		}
	}
}

// Split is New followed by collecting All.
func Split(payload []byte, maxFrameSize int, header *byte) ([][]byte, error) {
	f := New(payload, maxFrameSize, header)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, f.Count())
	for frame := range f.All() {
		out = append(out, frame)
	}
	return out, nil
}
