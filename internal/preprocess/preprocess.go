// Package preprocess turns decoded images into the fixed-size, square,
// normalized tensors the classifier consumes. The trainer and the HTTP
// service both go through this package so their inputs never drift apart.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultSize is the edge length used by the trainer when none is given.
const DefaultSize = 256

// ErrDecode is returned when the source bytes are not a supported image.
var ErrDecode = errors.New("unable to decode image")

// Tensor is a size x size x 3 image stored row-major, channels last (HWC),
// with values in [0, 1].
type Tensor struct {
	Size int
	Data []float32
}

// At returns channel c of the pixel at column x, row y.
func (t Tensor) At(x, y, c int) float32 {
	return t.Data[(y*t.Size+x)*3+c]
}

// CHW returns the tensor in planar layout (all R, then all G, then all B).
func (t Tensor) CHW() []float32 {
	plane := t.Size * t.Size
	out := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		out[i] = t.Data[i*3]
		out[plane+i] = t.Data[i*3+1]
		out[2*plane+i] = t.Data[i*3+2]
	}
	return out
}

// File reads and preprocesses the image stored at path.
func File(path string, size int) (Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return Reader(f, size)
}

// Bytes preprocesses an encoded image held in memory.
func Bytes(data []byte, size int) (Tensor, error) {
	return Reader(bytes.NewReader(data), size)
}

// Reader decodes an image from r and preprocesses it.
func Reader(r io.Reader, size int) (Tensor, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Image(img, size)
}

// Image pads img to a square, resizes it to size x size and scales every
// channel into [0, 1].
func Image(img image.Image, size int) (Tensor, error) {
	if size <= 0 {
		return Tensor{}, fmt.Errorf("invalid target size %d", size)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Tensor{}, fmt.Errorf("%w: empty image %dx%d", ErrDecode, b.Dx(), b.Dy())
	}

	square := Pad(img)
	resized := resize.Resize(uint(size), uint(size), square, resize.Bilinear)

	rb := resized.Bounds()
	data := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			i := (y*size + x) * 3
			data[i] = channel(r)
			data[i+1] = channel(g)
			data[i+2] = channel(bl)
		}
	}
	return Tensor{Size: size, Data: data}, nil
}

// channel maps a 16-bit color component onto the 8-bit scale before
// normalizing, so values match decoders that work in 0..255.
func channel(v uint32) float32 {
	return float32(v) / 257.0 / 255.0
}

// Pad returns img centered on a zero-filled square canvas whose edge is the
// longer side. The shorter dimension receives diff/2 pixels before the image
// and the remainder after it. Alpha is dropped: every source pixel keeps its
// straight RGB and becomes opaque. The result is always a fresh image anchored at (0, 0).
func Pad(img image.Image) *image.RGBA64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	edge, offX, offY := w, 0, 0
	switch {
	case w > h:
		offY = (w - h) / 2
	case h > w:
		edge = h
		offX = (h - w) / 2
	}

	dst := image.NewRGBA64(image.Rect(0, 0, edge, edge))
	draw.Draw(dst, image.Rect(offX, offY, offX+w, offY+h), opaque{img}, b.Min, draw.Src)
	return dst
}

// opaque keeps the straight (non-premultiplied) RGB of every pixel and
// discards alpha, so a translucent pixel keeps its stored color.
type opaque struct {
	image.Image
}

func (o opaque) ColorModel() color.Model { return color.RGBA64Model }

func (o opaque) At(x, y int) color.Color {
	switch src := o.Image.(type) {
	case *image.NRGBA:
		c := src.NRGBAAt(x, y)
		return color.RGBA64{R: uint16(c.R) * 0x101, G: uint16(c.G) * 0x101, B: uint16(c.B) * 0x101, A: 0xffff}
	case *image.NRGBA64:
		c := src.NRGBA64At(x, y)
		return color.RGBA64{R: c.R, G: c.G, B: c.B, A: 0xffff}
	}
	c := color.NRGBA64Model.Convert(o.Image.At(x, y)).(color.NRGBA64)
	return color.RGBA64{R: c.R, G: c.G, B: c.B, A: 0xffff}
}
