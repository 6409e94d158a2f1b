package predict

import (
	"encoding/base64"
	"encoding/binary"
	"math"

	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/pkg/errors"
)

// Logits is a single object's mask score map. Scores above zero belong
// to the object.
type Logits struct {
	Width  int
	Height int
	Values []float32
}

func (l *Logits) Binarize() *datastructures.Mask {
	m := datastructures.NewMask(l.Width, l.Height)
	for i, v := range l.Values {
		m.Pix[i] = v > 0
	}
	return m
}

// LogitsFromMask turns a mask into scores of +1 / -1.
func LogitsFromMask(m *datastructures.Mask) *Logits {
	l := &Logits{Width: m.Width, Height: m.Height, Values: make([]float32, len(m.Pix))}
	for i, set := range m.Pix {
		if set {
			l.Values[i] = 1
		} else {
			l.Values[i] = -1
		}
	}
	return l
}

// Tensor is the wire format of arrays exchanged with the model server:
// a shape, a dtype and the little endian raw data, base64 encoded.
type Tensor struct {
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
	Data  string `json:"data"`
}

func EncodeMask(m *datastructures.Mask) Tensor {
	raw := make([]byte, len(m.Pix))
	for i, set := range m.Pix {
		if set {
			raw[i] = 1
		}
	}
	return Tensor{Shape: []int{m.Height, m.Width}, Dtype: "uint8", Data: base64.StdEncoding.EncodeToString(raw)}
}

func EncodeLogits(l *Logits) Tensor {
	raw := make([]byte, 4*len(l.Values))
	for i, v := range l.Values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return Tensor{Shape: []int{1, l.Height, l.Width}, Dtype: "float32", Data: base64.StdEncoding.EncodeToString(raw)}
}

// Decode reads a 2D score map. Leading dimensions of size one are
// dropped, so [1, h, w] is accepted as well.
func (t Tensor) Decode() (*Logits, error) {
	shape := t.Shape
	for len(shape) > 2 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[0] < 0 || shape[1] < 0 {
		return nil, errors.Errorf("expected a 2d mask, got shape %v", t.Shape)
	}
	h, w := shape[0], shape[1]

	var elemSize int
	switch t.Dtype {
	case "float32":
		elemSize = 4
	case "uint8", "bool":
		elemSize = 1
	default:
		return nil, errors.Errorf("unsupported mask dtype %q", t.Dtype)
	}

	// The byte count must be known to fit before anything is allocated;
	// the shape comes straight from the model response.
	if w > 0 && h > math.MaxInt/elemSize/w {
		return nil, errors.Errorf("%s mask shape %v is too large", t.Dtype, t.Shape)
	}
	size := w * h
	if base64.StdEncoding.DecodedLen(len(t.Data)) < elemSize*size {
		return nil, errors.Errorf("%s mask %dx%d needs %d bytes, got at most %d", t.Dtype, w, h, elemSize*size, base64.StdEncoding.DecodedLen(len(t.Data)))
	}

	raw, err := base64.StdEncoding.DecodeString(t.Data)
	if err != nil {
		return nil, errors.Wrap(err, "mask data is not base64")
	}
	if len(raw) != elemSize*size {
		return nil, errors.Errorf("%s mask %dx%d needs %d bytes, got %d", t.Dtype, w, h, elemSize*size, len(raw))
	}

	l := &Logits{Width: w, Height: h, Values: make([]float32, size)}
	if elemSize == 4 {
		for i := range l.Values {
			l.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return l, nil
	}
	for i, b := range raw {
		if b != 0 {
			l.Values[i] = 1
		} else {
			l.Values[i] = -1
		}
	}
	return l, nil
}
