package media

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
)

const (
	// sanitizedMaxDim bounds the longest edge of images handed to the agent.
	sanitizedMaxDim = 2048

	// sanitizedJPEGQuality is the re-encode quality.
	sanitizedJPEGQuality = 85
)

// SanitizeImage re-encodes a downloaded image as a bounded JPEG: EXIF and
// other metadata are dropped, oversized images are scaled to fit
// sanitizedMaxDim, and transparency is flattened onto white. Returns the
// path of the new file; the original is left in place.
func SanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > sanitizedMaxDim || bounds.Dy() > sanitizedMaxDim {
		img = imaging.Fit(img, sanitizedMaxDim, sanitizedMaxDim, imaging.Lanczos)
	}

	// JPEG has no alpha channel; flatten onto white before encoding.
	flat := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)

	tmp, err := os.CreateTemp("", "omniclaw_media_*.jpg")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	tmp.Close()

	if err := imaging.Save(flat, name, imaging.JPEGQuality(sanitizedJPEGQuality)); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("encode image: %w", err)
	}
	return name, nil
}
