// Package raster holds the integer label arrays that flow between the
// segmentation model, the stitcher and the exporters, plus the file formats
// they are stored in.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"sort"
)

// Labels is a row-major 2-D array of instance labels. 0 is background.
type Labels struct {
	Width  int
	Height int
	Pix    []int32
}

// New returns a zeroed Width x Height label array.
func New(width, height int) *Labels {
	return &Labels{Width: width, Height: height, Pix: make([]int32, width*height)}
}

func (l *Labels) At(x, y int) int32 { return l.Pix[y*l.Width+x] }

func (l *Labels) Set(x, y int, v int32) { l.Pix[y*l.Width+x] = v }

// Row returns the y-th row, aliasing Pix.
func (l *Labels) Row(y int) []int32 { return l.Pix[y*l.Width : (y+1)*l.Width] }

func (l *Labels) Bounds() image.Rectangle { return image.Rect(0, 0, l.Width, l.Height) }

// Distinct returns the distinct nonzero values in ascending order.
func (l *Labels) Distinct() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range l.Pix {
		if v != 0 {
			seen[v] = struct{}{}
		}
	}
	out := make([]int32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Max returns the largest value, 0 for an all-background array.
func (l *Labels) Max() int32 {
	var m int32
	for _, v := range l.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// FromImage reads one label per pixel from a grayscale image. 16-bit images
// keep their full value; anything else goes through the 16-bit gray model.
func FromImage(img image.Image) *Labels {
	b := img.Bounds()
	out := New(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, int32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, int32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out.Set(x, y, int32(g.Y))
			}
		}
	}
	return out
}

// Gray16 renders the labels as a 16-bit image. Values outside [0, 65535]
// are rejected rather than wrapped.
func (l *Labels) Gray16() (*image.Gray16, error) {
	img := image.NewGray16(l.Bounds())
	for y := 0; y < l.Height; y++ {
		for x, v := range l.Row(y) {
			if v < 0 || v > 0xffff {
				return nil, fmt.Errorf("raster: label %d at (%d,%d) does not fit 16 bits", v, x, y)
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return img, nil
}

// Presence renders nonzero pixels as 255 and background as 0.
func (l *Labels) Presence() *image.Gray {
	img := image.NewGray(l.Bounds())
	for i, v := range l.Pix {
		if v != 0 {
			img.Pix[i] = 0xff
		}
	}
	return img
}
