package vision

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
)

// resizeShorterSide scales img so its shorter side equals target,
// keeping the aspect ratio. The longer side truncates to an integer,
// matching what the reference preprocessing pipelines do.
func resizeShorterSide(img image.Image, target int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return img
	}

	var newW, newH int
	if h <= w {
		newH = target
		newW = int(float64(target) * float64(w) / float64(h))
	} else {
		newW = target
		newH = int(float64(target) * float64(h) / float64(w))
	}
	if newW == w && newH == h {
		return img
	}

	return resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)
}

// cropOffsets returns the five crop origins in a fixed order: top-left,
// top-right, bottom-left, bottom-right, center.
func cropOffsets(w, h, cropSize int) [5]image.Point {
	return [5]image.Point{
		{0, 0},
		{w - cropSize, 0},
		{0, h - cropSize},
		{w - cropSize, h - cropSize},
		{(w - cropSize) / 2, (h - cropSize) / 2},
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}

	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

func flipHorizontal(src *image.RGBA) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srow := src.Pix[y*src.Stride : y*src.Stride+w*4]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(drow[(w-1-x)*4:(w-1-x)*4+4], srow[x*4:x*4+4])
		}
	}
	return dst
}
