package overlay

import (
	"image"
	"image/color"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/Devanish31/Annot/src/datastructures"
	"github.com/disintegration/imaging"
)

// MaskOpacity is the weight of the mask color in the blend; the frame
// underneath keeps 1 - MaskOpacity.
const MaskOpacity = 0.3

var palette = map[int]color.NRGBA{
	1: {R: 0, G: 0, B: 255, A: 255},     // solid organ
	2: {R: 255, G: 0, B: 0, A: 255},     // artery
	3: {R: 0, G: 0, B: 255, A: 255},     // vein
	4: {R: 255, G: 255, B: 0, A: 255},   // nerve
	5: {R: 128, G: 0, B: 128, A: 255},   // bone
	6: {R: 0, G: 255, B: 0, A: 255},     // muscle
	7: {R: 255, G: 165, B: 0, A: 255},   // instrument
	8: {R: 128, G: 128, B: 0, A: 255},   // lymph node
	9: {R: 128, G: 128, B: 128, A: 255}, // other
}

var fallbackColor = color.NRGBA{R: 128, G: 128, B: 128, A: 255}

func ColorFor(objId int) color.NRGBA {
	if c, found := palette[objId]; found {
		return c
	}
	return fallbackColor
}

type Layer struct {
	ObjId int
	Mask  *datastructures.Mask
}

// Composite blends every layer's color onto a copy of frame, in the
// given order. Pixels outside a mask are left untouched.
func Composite(frame image.Image, layers []Layer) (*image.NRGBA, error) {
	dst := imaging.Clone(frame)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()

	for _, layer := range layers {
		if layer.Mask == nil || !layer.Mask.SameShape(w, h) {
			mw, mh := 0, 0
			if layer.Mask != nil {
				mw, mh = layer.Mask.Width, layer.Mask.Height
			}
			return nil, commons.Errorf(commons.DimensionMismatchError,
				"mask of object %d is %dx%d, frame is %dx%d", layer.ObjId, mw, mh, w, h)
		}
		dst = imaging.Overlay(dst, colorLayer(layer, w, h), image.Pt(0, 0), MaskOpacity)
	}
	return dst, nil
}

func colorLayer(layer Layer, w int, h int) *image.NRGBA {
	c := ColorFor(layer.ObjId)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, set := range layer.Mask.Pix {
		if !set {
			continue
		}
		p := img.Pix[i*4 : i*4+4 : i*4+4]
		p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
	}
	return img
}

// RenderFile composites the frame stored at framePath and writes the
// result to outPath. The output format follows outPath's extension.
func RenderFile(framePath string, layers []Layer, outPath string) error {
	frame, err := imaging.Open(framePath)
	if err != nil {
		return err
	}
	img, err := Composite(frame, layers)
	if err != nil {
		return err
	}
	return imaging.Save(img, outPath, imaging.JPEGQuality(90))
}
