package raster

import (
	"image"
	"image/color"
)

// Normalize8 stretches img's luminance to [0, 255] using its own minimum and
// maximum. 8-bit gray input is returned unchanged; a flat image becomes black.
func Normalize8(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	lum := make([]uint16, b.Dx()*b.Dy())
	lo, hi := uint16(0xffff), uint16(0)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
			lum[i] = v
			i++
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if hi <= lo {
		return out
	}
	span := float64(hi - lo)
	for i, v := range lum {
		out.Pix[i] = uint8(float64(v-lo)*255/span + 0.5)
	}
	return out
}

// ChannelEmpty reports whether the given 1-based RGB channel (1 red, 2 green,
// 3 blue) is zero everywhere. Channel 0 means grayscale and is never empty.
func ChannelEmpty(img image.Image, channel int) bool {
	if channel < 1 || channel > 3 {
		return false
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			v := [3]uint32{r, g, bl}[channel-1]
			if v != 0 {
				return false
			}
		}
	}
	return true
}
