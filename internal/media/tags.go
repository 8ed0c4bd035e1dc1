package media

import (
	"image"
	"sort"
)

// ClassifyTags derives descriptive tags for the image at path from shape
// and color statistics. Deterministic for a given file; output is sorted.
func ClassifyTags(path string) ([]string, error) {
	img, err := decode(path)
	if err != nil {
		return nil, err
	}
	return classifyTags(img), nil
}

func classifyTags(img image.Image) []string {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	tags := map[string]struct{}{}

	// Shape.
	ar := float64(w) / float64(h)
	switch {
	case ar > 2.0:
		tags["panorama"] = struct{}{}
	case ar > 1.05:
		tags["landscape"] = struct{}{}
	case ar < 0.95:
		tags["portrait"] = struct{}{}
	default:
		tags["square"] = struct{}{}
	}
	if w*h >= 8_000_000 {
		tags["high-resolution"] = struct{}{}
	} else if w*h < 100_000 {
		tags["thumbnail"] = struct{}{}
	}

	// Color statistics over a fixed 64x64 sample lattice.
	var rSum, gSum, bSum, lumSum uint64
	var chroma uint64
	const n = 64
	for sy := 0; sy < n; sy++ {
		for sx := 0; sx < n; sx++ {
			px := b.Min.X + sx*w/n
			py := b.Min.Y + sy*h/n
			r16, g16, b16, _ := img.At(px, py).RGBA()
			r, g, bl := uint64(r16>>8), uint64(g16>>8), uint64(b16>>8)
			rSum += r
			gSum += g
			bSum += bl
			lumSum += (r*299 + g*587 + bl*114) / 1000
			maxc := max(r, max(g, bl))
			minc := min(r, min(g, bl))
			chroma += maxc - minc
		}
	}
	samples := uint64(n * n)
	rAvg, gAvg, bAvg := rSum/samples, gSum/samples, bSum/samples
	lum := lumSum / samples

	if chroma/samples < 12 {
		tags["monochrome"] = struct{}{}
	} else if rAvg > bAvg+20 {
		tags["warm"] = struct{}{}
	} else if bAvg > rAvg+20 {
		tags["cool"] = struct{}{}
	} else if gAvg > rAvg && gAvg > bAvg {
		tags["verdant"] = struct{}{}
	}

	if lum > 190 {
		tags["bright"] = struct{}{}
	} else if lum < 60 {
		tags["dark"] = struct{}{}
	}

	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
