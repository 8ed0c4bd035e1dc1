package media

import (
	"image"
	"image/color"
)

// Face is one detected face region with pixel coordinates relative to the
// original image.
type Face struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// faceGrid is the detection resolution: the image is examined in a
// faceGrid x faceGrid cell raster and adjacent skin-dominant cells are
// merged into regions.
const faceGrid = 16

// minSkinRatio is the fraction of skin-toned pixels a cell needs to count
// as part of a face region.
const minSkinRatio = 0.45

// DetectFaces runs skin-region detection on the image at path. Deterministic
// for a given file. Images too small for the cell raster yield no faces.
func DetectFaces(path string) ([]Face, error) {
	img, err := decode(path)
	if err != nil {
		return nil, err
	}
	return detectFaces(img), nil
}

func detectFaces(img image.Image) []Face {
	b := img.Bounds()
	cellW := b.Dx() / faceGrid
	cellH := b.Dy() / faceGrid
	if cellW == 0 || cellH == 0 {
		return nil
	}

	// Score each cell by its skin-tone pixel ratio, sampling a fixed 8x8
	// lattice per cell so cost is independent of image size.
	var skin [faceGrid][faceGrid]bool
	var ratio [faceGrid][faceGrid]float64
	for cy := 0; cy < faceGrid; cy++ {
		for cx := 0; cx < faceGrid; cx++ {
			hits, samples := 0, 0
			for sy := 0; sy < 8; sy++ {
				for sx := 0; sx < 8; sx++ {
					px := b.Min.X + cx*cellW + sx*cellW/8
					py := b.Min.Y + cy*cellH + sy*cellH/8
					samples++
					if isSkinTone(img.At(px, py)) {
						hits++
					}
				}
			}
			r := float64(hits) / float64(samples)
			ratio[cy][cx] = r
			skin[cy][cx] = r >= minSkinRatio
		}
	}

	// Flood-fill adjacent skin cells into rectangular regions.
	var seen [faceGrid][faceGrid]bool
	var faces []Face
	for cy := 0; cy < faceGrid; cy++ {
		for cx := 0; cx < faceGrid; cx++ {
			if !skin[cy][cx] || seen[cy][cx] {
				continue
			}
			minX, minY, maxX, maxY := cx, cy, cx, cy
			var sum float64
			var n int
			stack := [][2]int{{cx, cy}}
			for len(stack) > 0 {
				c := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				x, y := c[0], c[1]
				if x < 0 || y < 0 || x >= faceGrid || y >= faceGrid || seen[y][x] || !skin[y][x] {
					continue
				}
				seen[y][x] = true
				sum += ratio[y][x]
				n++
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
				stack = append(stack, [2]int{x + 1, y}, [2]int{x - 1, y}, [2]int{x, y + 1}, [2]int{x, y - 1})
			}
			if n < 2 {
				continue // single-cell specks are noise
			}
			faces = append(faces, Face{
				X:          b.Min.X + minX*cellW,
				Y:          b.Min.Y + minY*cellH,
				Width:      (maxX - minX + 1) * cellW,
				Height:     (maxY - minY + 1) * cellH,
				Confidence: sum / float64(n),
			})
		}
	}
	return faces
}

// isSkinTone applies the classic RGB skin heuristic: red-dominant with
// moderate green and a wide red/green spread.
func isSkinTone(c color.Color) bool {
	r16, g16, b16, _ := c.RGBA()
	r, g, b := int(r16>>8), int(g16>>8), int(b16>>8)
	if r <= 95 || g <= 40 || b <= 20 {
		return false
	}
	if r <= g || r <= b {
		return false
	}
	maxc := max(r, max(g, b))
	minc := min(r, min(g, b))
	return maxc-minc > 15 && abs(r-g) > 15
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
