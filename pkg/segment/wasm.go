package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/second-state/WasmEdge-go/wasmedge"

	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// Exported functions a segmentation module must provide:
//
//	alloc(len i32) -> ptr i32
//	dealloc(ptr i32, len i32)
//	segment(in i32, inLen i32, params i32, paramsLen i32, out i32) -> outLen i32
//
// The input is a PNG tile, params is the packed Params record and out points
// to 8 bytes receiving (ptr, len) of a 16-bit grayscale PNG label mask.
const (
	fnAlloc   = "alloc"
	fnDealloc = "dealloc"
	fnSegment = "segment"

	paramsLen = 24
)

var pluginsOnce sync.Once

// WasmSegmenter runs a WASI segmentation module inside one WasmEdge VM.
type WasmSegmenter struct {
	vm   *wasmedge.VM
	conf *wasmedge.Configure
}

// NewWasm loads, validates and instantiates the module at path.
func NewWasm(path string) (*WasmSegmenter, error) {
	pluginsOnce.Do(func() {
		wasmedge.SetLogErrorLevel()
		wasmedge.LoadPluginDefaultPaths()
	})

	conf := wasmedge.NewConfigure(wasmedge.WASI)
	vm := wasmedge.NewVMWithConfig(conf)
	s := &WasmSegmenter{vm: vm, conf: conf}
	if err := vm.LoadWasmFile(path); err != nil {
		s.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := vm.Validate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	if err := vm.Instantiate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("instantiate %s: %w", path, err)
	}
	return s, nil
}

// WasmFactory returns a Factory creating one VM per call.
func WasmFactory(path string) Factory {
	return func() (Segmenter, error) { return NewWasm(path) }
}

func (s *WasmSegmenter) Close() error {
	if s.vm != nil {
		s.vm.Release()
		s.vm = nil
	}
	if s.conf != nil {
		s.conf.Release()
		s.conf = nil
	}
	return nil
}

func (s *WasmSegmenter) Segment(ctx context.Context, img image.Image, p Params) (*raster.Labels, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var in bytes.Buffer
	if err := png.Encode(&in, img); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	mem := s.vm.GetActiveModule().FindMemory("memory")
	if mem == nil {
		return nil, errors.New("module exports no memory")
	}

	inPtr, err := s.put(mem, in.Bytes())
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	defer s.vm.Execute(fnDealloc, inPtr, int32(in.Len()))

	prm := EncodeParams(p)
	prmPtr, err := s.put(mem, prm)
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	defer s.vm.Execute(fnDealloc, prmPtr, int32(len(prm)))

	outParams, err := s.alloc(8)
	if err != nil {
		return nil, fmt.Errorf("alloc out params: %w", err)
	}
	defer s.vm.Execute(fnDealloc, outParams, int32(8))

	res, err := s.vm.Execute(fnSegment, inPtr, int32(in.Len()), prmPtr, int32(len(prm)), outParams)
	if err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	if n := res[0].(int32); n == 0 {
		return nil, errors.New("zero length output")
	}

	ret, err := mem.GetData(uint(outParams), 8)
	if err != nil {
		return nil, fmt.Errorf("mem out params: %w", err)
	}
	outPtr := int32(binary.LittleEndian.Uint32(ret[0:4]))
	outLen := int32(binary.LittleEndian.Uint32(ret[4:8]))
	defer s.vm.Execute(fnDealloc, outPtr, outLen)

	data, err := mem.GetData(uint(outPtr), uint(outLen))
	if err != nil {
		return nil, fmt.Errorf("mem output: %w", err)
	}
	mask, err := png.Decode(bytes.NewReader(bytes.Clone(data)))
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	if mask.Bounds().Size() != img.Bounds().Size() {
		return nil, fmt.Errorf("mask is %v, tile is %v", mask.Bounds().Size(), img.Bounds().Size())
	}
	return raster.FromImage(mask), nil
}

func (s *WasmSegmenter) alloc(n int) (int32, error) {
	res, err := s.vm.Execute(fnAlloc, int32(n))
	if err != nil {
		return 0, err
	}
	return res[0].(int32), nil
}

func (s *WasmSegmenter) put(mem *wasmedge.Memory, b []byte) (int32, error) {
	ptr, err := s.alloc(len(b))
	if err != nil {
		return 0, err
	}
	dst, err := mem.GetData(uint(ptr), uint(len(b)))
	if err != nil {
		return 0, err
	}
	copy(dst, b)
	return ptr, nil
}

// EncodeParams packs p little-endian as
// f32 diameter, i32 chan0, i32 chan1, i32 batch, i32 block, f32 overlap.
func EncodeParams(p Params) []byte {
	b := make([]byte, paramsLen)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(float32(p.Diameter)))
	binary.LittleEndian.PutUint32(b[4:], uint32(int32(p.Channels[0])))
	binary.LittleEndian.PutUint32(b[8:], uint32(int32(p.Channels[1])))
	binary.LittleEndian.PutUint32(b[12:], uint32(int32(p.BatchSize)))
	binary.LittleEndian.PutUint32(b[16:], uint32(int32(p.BlockSize)))
	binary.LittleEndian.PutUint32(b[20:], math.Float32bits(float32(p.Overlap)))
	return b
}
