// Package contour turns binary masks into polygons for the polygon
// annotation tool.
package contour

import (
	"github.com/Devanish31/Annot/src/datastructures"
	simplify "github.com/yrsh/simplify-go"
)

type pixel struct {
	x, y int
}

// neighbours in clockwise order, starting west.
var neighbours = [8]pixel{{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}}

// Polygons traces the outer boundary of every 8-connected region of
// mask with at least minPixels pixels. Each ring runs clockwise from the
// region's top-left pixel and is simplified with the given tolerance
// (in pixels). A tolerance <= 0 returns the traced boundary unchanged.
func Polygons(mask *datastructures.Mask, tolerance float64, highQuality bool, minPixels int) [][]datastructures.Point {
	polygons := [][]datastructures.Point{}
	if mask == nil {
		return polygons
	}

	for _, region := range regions(mask) {
		if region.size < minPixels {
			continue
		}
		ring := trace(mask, region.start, region.size)
		polygons = append(polygons, simplifyRing(ring, tolerance, highQuality))
	}
	return polygons
}

type region struct {
	start pixel
	size  int
}

// regions labels the 8-connected regions of mask in raster order, so
// the start of every region is its top-left pixel.
func regions(mask *datastructures.Mask) []region {
	labels := make([]int, mask.Width*mask.Height)
	var out []region
	var stack []pixel

	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if !mask.At(x, y) || labels[y*mask.Width+x] != 0 {
				continue
			}
			label := len(out) + 1
			r := region{start: pixel{x, y}}
			labels[y*mask.Width+x] = label
			stack = append(stack[:0], pixel{x, y})
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				r.size++
				for _, d := range neighbours {
					n := pixel{p.x + d.x, p.y + d.y}
					if !mask.At(n.x, n.y) || labels[n.y*mask.Width+n.x] != 0 {
						continue
					}
					labels[n.y*mask.Width+n.x] = label
					stack = append(stack, n)
				}
			}
			out = append(out, r)
		}
	}
	return out
}

func direction(from pixel, to pixel) int {
	for i, d := range neighbours {
		if from.x+d.x == to.x && from.y+d.y == to.y {
			return i
		}
	}
	return 0
}

// trace follows the boundary with Moore-neighbour tracing and stops
// once the walk leaves start the same way it did the first time.
func trace(mask *datastructures.Mask, start pixel, size int) []pixel {
	ring := []pixel{start}
	current := start
	backtrack := pixel{start.x - 1, start.y}
	var second *pixel

	for steps := 0; steps < 4*size+8; steps++ {
		from := direction(current, backtrack)
		found := false
		var next pixel
		for i := 1; i <= 8; i++ {
			k := (from + i) % 8
			candidate := pixel{current.x + neighbours[k].x, current.y + neighbours[k].y}
			if mask.At(candidate.x, candidate.y) {
				prev := neighbours[(k+7)%8]
				backtrack = pixel{current.x + prev.x, current.y + prev.y}
				next = candidate
				found = true
				break
			}
		}
		if !found {
			break
		}
		if current == start && second != nil && next == *second {
			break
		}
		if second == nil {
			second = &pixel{next.x, next.y}
		}
		ring = append(ring, next)
		current = next
	}

	if len(ring) > 1 && ring[len(ring)-1] == start {
		ring = ring[:len(ring)-1]
	}
	return ring
}

func simplifyRing(ring []pixel, tolerance float64, highQuality bool) []datastructures.Point {
	if tolerance <= 0 || len(ring) < 3 {
		out := make([]datastructures.Point, len(ring))
		for i, p := range ring {
			out[i] = datastructures.Point{X: float64(p.x), Y: float64(p.y)}
		}
		return out
	}

	points := make([][]float64, len(ring))
	for i, p := range ring {
		points[i] = []float64{float64(p.x), float64(p.y)}
	}
	simplified := simplify.Simplify(points, tolerance, highQuality)

	out := make([]datastructures.Point, len(simplified))
	for i, p := range simplified {
		out[i] = datastructures.Point{X: p[0], Y: p[1]}
	}
	return out
}
