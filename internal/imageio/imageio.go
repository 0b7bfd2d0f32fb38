// Package imageio decodes images from files and uploads.
//
// JPEG, PNG and GIF come from the standard library; BMP, TIFF and WebP are
// registered from golang.org/x/image. WebP files the pure-Go decoder rejects
// (for example animated or extended variants) are retried with the libwebp
// decoder.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned when no registered decoder accepts the data.
var ErrUnsupportedFormat = errors.New("image: unknown or unsupported format")

// Open loads the image at path as stored, ignoring any EXIF orientation so
// files decode the same as uploads. A missing file yields an error matching
// fs.ErrNotExist.
func Open(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err == nil {
		return img, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, readErr
	}
	if img, fallbackErr := webp.Decode(bytes.NewReader(data)); fallbackErr == nil {
		return img, nil
	}
	return nil, fmt.Errorf("failed to decode %s: %w", path, err)
}

// Decode reads all of r and decodes it, returning the format name.
func Decode(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte) (image.Image, string, error) {
	if img, format, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, format, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}
	return nil, "", ErrUnsupportedFormat
}
