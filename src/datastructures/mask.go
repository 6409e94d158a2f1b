package datastructures

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Mask is a per-pixel membership grid for one object on one frame,
// stored row-major.
type Mask struct {
	Width  int
	Height int
	Pix    []bool
}

func NewMask(width int, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]bool, width*height)}
}

func (m *Mask) At(x int, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x]
}

func (m *Mask) Set(x int, y int, v bool) {
	m.Pix[y*m.Width+x] = v
}

// Area is the number of set pixels.
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

func (m *Mask) SameShape(width int, height int) bool {
	return m.Width == width && m.Height == height
}

func (m *Mask) Clone() *Mask {
	c := &Mask{Width: m.Width, Height: m.Height, Pix: make([]bool, len(m.Pix))}
	copy(c.Pix, m.Pix)
	return c
}

// MarshalJSON writes the mask as rows of booleans.
func (m *Mask) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(m.Width*m.Height*6 + m.Height*2 + 2)
	buf.WriteByte('[')
	for y := 0; y < m.Height; y++ {
		if y > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		row := m.Pix[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if x > 0 {
				buf.WriteByte(',')
			}
			if v {
				buf.WriteString("true")
			} else {
				buf.WriteString("false")
			}
		}
		buf.WriteByte(']')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts rows of booleans or rows of numbers, where any
// non-zero number is a set pixel. All rows must have the same length.
func (m *Mask) UnmarshalJSON(data []byte) error {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("mask must be an array of rows: %w", err)
	}

	m.Height = len(rows)
	m.Width = 0
	m.Pix = nil
	for y, raw := range rows {
		row, err := decodeRow(raw)
		if err != nil {
			return fmt.Errorf("mask row %d: %w", y, err)
		}
		if y == 0 {
			m.Width = len(row)
			m.Pix = make([]bool, 0, m.Width*m.Height)
		} else if len(row) != m.Width {
			return fmt.Errorf("mask row %d has %d columns, expected %d", y, len(row), m.Width)
		}
		m.Pix = append(m.Pix, row...)
	}
	return nil
}

func decodeRow(raw json.RawMessage) ([]bool, error) {
	var bools []bool
	if err := json.Unmarshal(raw, &bools); err == nil {
		return bools, nil
	}

	var numbers []float64
	if err := json.Unmarshal(raw, &numbers); err != nil {
		return nil, fmt.Errorf("expected booleans or numbers")
	}
	row := make([]bool, len(numbers))
	for i, n := range numbers {
		row[i] = n != 0
	}
	return row, nil
}
