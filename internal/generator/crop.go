package generator

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/Brownie44l1/iqa-scorer/internal/model"
)

// MaxCrops is the number of distinct crops the ten-crop strategy produces.
const MaxCrops = 10

// cropAnchors lists the five base crop positions. Crops 5..9 are the
// horizontal flips of crops 0..4.
var cropAnchors = [...]imaging.Anchor{
	imaging.Center,
	imaging.TopLeft,
	imaging.TopRight,
	imaging.BottomLeft,
	imaging.BottomRight,
}

// MultiCrop resizes img so its shorter side equals resizeTo (never below size)
// and returns the first n of the ten square crops of edge size.
func MultiCrop(img image.Image, n, size, resizeTo int) []*image.NRGBA {
	if resizeTo < size {
		resizeTo = size
	}
	base := resizeShorterSide(img, resizeTo)

	crops := make([]*image.NRGBA, 0, n)
	for i := 0; i < n; i++ {
		crop := imaging.CropAnchor(base, size, size, cropAnchors[i%len(cropAnchors)])
		if i >= len(cropAnchors) {
			crop = imaging.FlipH(crop)
		}
		crops = append(crops, crop)
	}
	return crops
}

func resizeShorterSide(img image.Image, target int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() <= b.Dy() {
		return imaging.Resize(img, target, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, target, imaging.Lanczos)
}

// Pixels flattens img into HWC float32 RGB values in [0, 255]. Alpha is dropped.
func Pixels(img image.Image) []float32 {
	nrgba := imaging.Clone(img)
	return appendPixels(make([]float32, 0, nrgba.Rect.Dx()*nrgba.Rect.Dy()*model.Channels), nrgba)
}

func appendPixels(dst []float32, img *image.NRGBA) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			dst = append(dst, float32(p[0]), float32(p[1]), float32(p[2]))
		}
	}
	return dst
}
