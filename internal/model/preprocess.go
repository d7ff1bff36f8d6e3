package model

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Fill color of the letterbox border, same as ultralytics
var letterboxFill = color.RGBA{114, 114, 114, 255}

// letterbox records how an image was fit into the square network input,
// so that boxes can be mapped back onto the original image.
type letterbox struct {
	scale     float32
	padX      int
	padY      int
	srcWidth  int
	srcHeight int
}

// toSource maps a box in network coordinates (center x/y, width, height) to the source image
func (lb letterbox) toSource(cx, cy, w, h float32) Rect {
	x1 := (cx - w/2 - float32(lb.padX)) / lb.scale
	y1 := (cy - h/2 - float32(lb.padY)) / lb.scale
	x2 := (cx + w/2 - float32(lb.padX)) / lb.scale
	y2 := (cy + h/2 - float32(lb.padY)) / lb.scale
	x1 = clamp(x1, 0, float32(lb.srcWidth))
	y1 = clamp(y1, 0, float32(lb.srcHeight))
	x2 = clamp(x2, 0, float32(lb.srcWidth))
	y2 = clamp(y2, 0, float32(lb.srcHeight))
	return Rect{
		X:      int32(x1),
		Y:      int32(y1),
		Width:  int32(x2 - x1),
		Height: int32(y2 - y1),
	}
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}

var ErrImageTooLarge = errors.New("image too large")

// loadImage decodes the image at path. The header is checked first, so that a small
// file claiming huge dimensions is rejected before any pixels are allocated.
func loadImage(path string, maxPixels int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v: %w", path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %v x %v exceeds %v pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v: %w", path, err)
	}
	return img, nil
}

// letterboxImage scales img to fit inside a size x size square, keeping its aspect ratio,
// and pads the remainder with letterboxFill.
func letterboxImage(img image.Image, size int) (*image.RGBA, letterbox) {
	b := img.Bounds()
	lb := letterbox{
		srcWidth:  b.Dx(),
		srcHeight: b.Dy(),
	}
	lb.scale = min(float32(size)/float32(b.Dx()), float32(size)/float32(b.Dy()))
	newW := min(size, max(1, int(float32(b.Dx())*lb.scale+0.5)))
	newH := min(size, max(1, int(float32(b.Dy())*lb.scale+0.5)))
	lb.padX = (size - newW) / 2
	lb.padY = (size - newH) / 2

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(letterboxFill), image.Point{}, draw.Src)
	dst := image.Rect(lb.padX, lb.padY, lb.padX+newW, lb.padY+newH)
	draw.Draw(canvas, dst, resized, resized.Bounds().Min, draw.Src)
	return canvas, lb
}

// toCHW writes the RGB channels of img into a planar float32 tensor, normalized to [0,1]
func toCHW(img *image.RGBA, dst []float32) {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	plane := width * height
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			p := row[x*4:]
			i := y*width + x
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
		}
	}
}
