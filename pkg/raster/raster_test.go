package raster

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/require"
)

func sample() *Labels {
	l := New(3, 2)
	copy(l.Pix, []int32{0, 1, 1, 7, 0, 300})
	return l
}

func TestDistinct(t *testing.T) {
	require.Equal(t, []int32{1, 7, 300}, sample().Distinct())
	require.Empty(t, New(4, 4).Distinct())
	require.Equal(t, int32(300), sample().Max())
}

func TestEncodeNPYHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeNPY(&buf, sample()))

	hdrLen := int(buf.Bytes()[8]) | int(buf.Bytes()[9])<<8
	require.Zero(t, (10+hdrLen)%64, "header must be 64-byte aligned")

	r, err := npyio.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, r.Header.Descr.Shape)
	require.Equal(t, "<i4", r.Header.Descr.Type)
	require.False(t, r.Header.Descr.Fortran)

	var flat []int32
	require.NoError(t, r.Read(&flat))
	require.Equal(t, sample().Pix, flat)
}

func TestNPYFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a_0_0.npy", "a_0_1.npy.zst"} {
		p := filepath.Join(dir, name)
		require.NoError(t, WriteNPY(p, sample()))

		got, err := Read(p)
		require.NoError(t, err, name)
		require.Equal(t, sample(), got, name)

		h, w, err := Shape(p)
		require.NoError(t, err)
		require.Equal(t, 2, h)
		require.Equal(t, 3, w)
	}
}

func TestLoadVariants(t *testing.T) {
	dir := t.TempDir()

	raw := filepath.Join(dir, "s_0_0.npy")
	require.NoError(t, WriteNPY(raw, sample()))
	tf, err := Load(raw)
	require.NoError(t, err)
	require.IsType(t, RawArray{}, tf)

	wrapped := filepath.Join(dir, "s_0_1.npz")
	require.NoError(t, WriteArchive(wrapped, sample()))
	tf, err = Load(wrapped)
	require.NoError(t, err)
	w, ok := tf.(WrappedArray)
	require.True(t, ok)
	require.Equal(t, []string{"masks"}, w.Keys)
	require.Equal(t, sample(), tf.Resolve())

	h, wd, err := Shape(wrapped)
	require.NoError(t, err)
	require.Equal(t, [2]int{2, 3}, [2]int{h, wd})
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "s_0_0.npy")
	require.NoError(t, os.WriteFile(bad, []byte("not an array"), 0o644))
	_, err := Read(bad)
	var terr *TileReadError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, bad, terr.Path)

	_, err = Read(filepath.Join(dir, "s_0_0.bmp"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Read(filepath.Join(dir, "missing_0_0.npy"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPNGLabels(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 2))
	img.SetGray16(1, 0, color.Gray16{Y: 40000})
	img.SetGray16(0, 1, color.Gray16{Y: 3})

	p := filepath.Join(t.TempDir(), "m_0_0.png")
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	l, err := Read(p)
	require.NoError(t, err)
	require.Equal(t, []int32{0, 40000, 3, 0}, l.Pix)

	g16, err := l.Gray16()
	require.NoError(t, err)
	require.Equal(t, img.Pix, g16.Pix)
}

func TestGray16Overflow(t *testing.T) {
	l := New(1, 1)
	l.Pix[0] = 70000
	_, err := l.Gray16()
	require.Error(t, err)
}

func TestPresence(t *testing.T) {
	p := sample().Presence()
	require.Equal(t, []uint8{0, 255, 255, 255, 0, 255}, p.Pix)
}

func TestNormalize8(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 3, 1))
	img.SetGray16(0, 0, color.Gray16{Y: 1000})
	img.SetGray16(1, 0, color.Gray16{Y: 2000})
	img.SetGray16(2, 0, color.Gray16{Y: 3000})
	g := Normalize8(img)
	require.Equal(t, []uint8{0, 128, 255}, g.Pix)

	flat := image.NewGray16(image.Rect(0, 0, 2, 2))
	require.Equal(t, []uint8{0, 0, 0, 0}, Normalize8(flat).Pix)
}

func TestChannelEmpty(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(1, 1, color.NRGBA{R: 9, A: 255})
	require.False(t, ChannelEmpty(img, 1))
	require.True(t, ChannelEmpty(img, 2))
	require.False(t, ChannelEmpty(img, 0))
}
