package raster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/sbinet/npyio"
)

var npyMagic = []byte("\x93NUMPY")

// DecodeNPY reads a 2-D (or H x W x 1) integer array. Any integer or boolean
// dtype is widened to int32; values that do not fit are an error.
func DecodeNPY(r io.Reader) (*Labels, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("npy header: %w", err)
	}
	descr := nr.Header.Descr
	if descr.Fortran {
		return nil, errors.New("npy: fortran-ordered arrays are not supported")
	}
	h, w, err := shape2D(descr.Shape)
	if err != nil {
		return nil, err
	}

	out := New(w, h)
	dtype := strings.TrimLeft(descr.Type, "<>|=")
	switch dtype {
	case "b1":
		var v []bool
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, b := range v {
			if b {
				out.Pix[i] = 1
			}
		}
	case "u1":
		var v []uint8
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, x := range v {
			out.Pix[i] = int32(x)
		}
	case "i1":
		var v []int8
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, x := range v {
			out.Pix[i] = int32(x)
		}
	case "u2":
		var v []uint16
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, x := range v {
			out.Pix[i] = int32(x)
		}
	case "i2":
		var v []int16
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, x := range v {
			out.Pix[i] = int32(x)
		}
	case "i4":
		var v []int32
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		copy(out.Pix, v)
	case "u4":
		var v []uint32
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, x := range v {
			if x > 1<<31-1 {
				return nil, fmt.Errorf("npy: label %d overflows int32", x)
			}
			out.Pix[i] = int32(x)
		}
	case "i8":
		var v []int64
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, x := range v {
			if x > 1<<31-1 || x < -1<<31 {
				return nil, fmt.Errorf("npy: label %d overflows int32", x)
			}
			out.Pix[i] = int32(x)
		}
	case "u8":
		var v []uint64
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		for i, x := range v {
			if x > 1<<31-1 {
				return nil, fmt.Errorf("npy: label %d overflows int32", x)
			}
			out.Pix[i] = int32(x)
		}
	default:
		// "|O" lands here: pickled objects are only accepted in the
		// archive form, see Load.
		return nil, fmt.Errorf("%w: npy dtype %q", ErrUnsupportedFormat, descr.Type)
	}
	return out, nil
}

// NPYShape reads only the header and returns height and width.
func NPYShape(r io.Reader) (height, width int, err error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return 0, 0, fmt.Errorf("npy header: %w", err)
	}
	return shape2D(nr.Header.Descr.Shape)
}

func shape2D(shape []int) (int, int, error) {
	switch {
	case len(shape) == 2:
		return shape[0], shape[1], nil
	case len(shape) == 3 && shape[2] == 1:
		return shape[0], shape[1], nil
	default:
		return 0, 0, fmt.Errorf("npy: expected a 2-D label array, got shape %v", shape)
	}
}

// EncodeNPY writes l as a little-endian int32 array of shape (Height, Width).
// npyio.Write only emits 1-D shapes for slices, so the header is built here.
func EncodeNPY(w io.Writer, l *Labels) error {
	dict := fmt.Sprintf("{'descr': '<i4', 'fortran_order': False, 'shape': (%d, %d), }", l.Height, l.Width)
	// magic(6) + version(2) + header len(2) + dict + '\n', padded to 64 bytes
	total := len(npyMagic) + 2 + 2 + len(dict) + 1
	if pad := total % 64; pad != 0 {
		dict += strings.Repeat(" ", 64-pad)
	}
	dict += "\n"
	if len(dict) > 0xffff {
		return errors.New("npy: header too large")
	}

	bw := bufio.NewWriter(w)
	var hdr bytes.Buffer
	hdr.Write(npyMagic)
	hdr.Write([]byte{1, 0})
	_ = binary.Write(&hdr, binary.LittleEndian, uint16(len(dict)))
	hdr.WriteString(dict)
	if _, err := bw.Write(hdr.Bytes()); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, l.Pix); err != nil {
		return err
	}
	return bw.Flush()
}

// zstdReader wraps r when name ends in .zst.
func zstdReader(name string, r io.Reader) (io.Reader, func(), error) {
	if !strings.HasSuffix(strings.ToLower(name), ".zst") {
		return r, func() {}, nil
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return zr, zr.Close, nil
}

// zstdWriter wraps w when name ends in .zst. The returned close func must be
// called before the underlying writer is closed.
func zstdWriter(name string, w io.Writer) (io.Writer, func() error, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".zst") {
		return w, func() error { return nil }, nil
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, nil, err
	}
	return zw, zw.Close, nil
}
