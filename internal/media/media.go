// Package media holds the image-content primitives the pipeline invokes:
// format classification, content fingerprinting, and physical attribute
// measurement. Stage-specific extraction lives in exif.go, faces.go, and
// tags.go.
package media

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"
)

// Format classifies a file for counting and routing.
type Format string

const (
	FormatJPEG  Format = "jpeg"
	FormatPNG   Format = "png"
	FormatGIF   Format = "gif"
	FormatWebP  Format = "webp"
	FormatOther Format = "other"
)

var formatExts = map[string]Format{
	".jpg": FormatJPEG, ".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".gif":  FormatGIF,
	".webp": FormatWebP,
}

// Detect returns the Format for the given file path based on extension.
func Detect(path string) Format {
	if f, ok := formatExts[strings.ToLower(filepath.Ext(path))]; ok {
		return f
	}
	return FormatOther
}

// IsImage reports whether the path has a recognized image extension.
func IsImage(path string) bool {
	return Detect(path) != FormatOther
}

// ContentType returns the MIME content type for the file based on its
// extension. Returns "application/octet-stream" for unknown types.
func ContentType(path string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// Fingerprint computes the MD5 and SHA1 of the file's bytes in one read
// pass. MD5 is the dedup key across jobs; SHA1 is retained for integrity.
func Fingerprint(path string) (md5sum, sha1sum string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	h5 := md5.New()
	h1 := sha1.New()
	if _, err := io.Copy(io.MultiWriter(h5, h1), f); err != nil {
		return "", "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h5.Sum(nil)), hex.EncodeToString(h1.Sum(nil)), nil
}

// Attrs are the physical attributes read from an image header.
type Attrs struct {
	Width      int
	Height     int
	Colorspace string
	BitDepth   int
	Resolution string
}

// Attributes reads image dimensions and color information from the file
// header only — no full decode.
func Attributes(path string) (Attrs, error) {
	f, err := os.Open(path)
	if err != nil {
		return Attrs{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Attrs{}, fmt.Errorf("decode header %q: %w", path, err)
	}

	a := Attrs{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Resolution: fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	}
	a.Colorspace, a.BitDepth = colorInfo(cfg.ColorModel)
	return a, nil
}

// colorInfo maps a color model to a colorspace label and bit depth.
func colorInfo(m color.Model) (string, int) {
	switch m {
	case color.YCbCrModel:
		return "YCbCr", 8
	case color.NYCbCrAModel:
		return "YCbCr", 8
	case color.GrayModel:
		return "Gray", 8
	case color.Gray16Model:
		return "Gray", 16
	case color.RGBA64Model, color.NRGBA64Model:
		return "RGB", 16
	case color.CMYKModel:
		return "CMYK", 8
	case color.AlphaModel, color.Alpha16Model:
		return "Alpha", 8
	default:
		return "RGB", 8
	}
}

// decode fully decodes the image at path. Shared by the face and tag
// extractors, which need pixel access.
func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	return img, nil
}
