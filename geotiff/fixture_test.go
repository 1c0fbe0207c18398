package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixture describes a GeoTIFF written by writeFixture.
type fixture struct {
	order        binary.ByteOrder
	width        int
	height       int
	samples      int
	tileW, tileH int
	rowsPerStrip int
	bits         int
	format       int
	compression  int
	predictor    int
	pixel        func(col, row, sample int) float64
	noData       string
	originX      float64
	originY      float64
	scale        float64
}

func (fx fixture) withDefaults() fixture {
	if fx.order == nil {
		fx.order = binary.LittleEndian
	}
	if fx.samples == 0 {
		fx.samples = 1
	}
	if fx.bits == 0 {
		fx.bits = 32
	}
	if fx.format == 0 {
		fx.format = sampleFormatFloat
	}
	if fx.compression == 0 {
		fx.compression = compressionNone
	}
	if fx.scale == 0 {
		fx.scale = 1
	}
	if fx.rowsPerStrip == 0 {
		fx.rowsPerStrip = fx.height
	}
	return fx
}

func (fx fixture) blocks() (bw, bh, across, down int) {
	if fx.tileW > 0 {
		bw, bh = fx.tileW, fx.tileH
	} else {
		bw, bh = fx.width, fx.rowsPerStrip
	}
	return bw, bh, (fx.width + bw - 1) / bw, (fx.height + bh - 1) / bh
}

// centre returns the model coordinate of the centre of pixel (col, row).
func (fx fixture) centre(col, row int) (float64, float64) {
	return fx.originX + (float64(col)+0.5)*fx.scale, fx.originY - (float64(row)+0.5)*fx.scale
}

func (fx fixture) bitsOf(v float64) uint64 {
	switch fx.format {
	case sampleFormatFloat:
		if fx.bits == 64 {
			return math.Float64bits(v)
		}
		return uint64(math.Float32bits(float32(v)))
	case sampleFormatInt:
		switch fx.bits {
		case 8:
			return uint64(uint8(int8(v)))
		case 16:
			return uint64(uint16(int16(v)))
		default:
			return uint64(uint32(int32(v)))
		}
	}
	return uint64(v)
}

func putBits(order binary.ByteOrder, b []byte, w uint64, bps int) {
	switch bps {
	case 1:
		b[0] = byte(w)
	case 2:
		order.PutUint16(b, uint16(w))
	case 4:
		order.PutUint32(b, uint32(w))
	default:
		order.PutUint64(b, w)
	}
}

func (fx fixture) encodeBlock(bx, by int) []byte {
	bw, bh, _, _ := fx.blocks()
	rows := bh
	if fx.tileW == 0 && fx.height-by*bh < rows {
		rows = fx.height - by*bh
	}
	bps := fx.bits / 8
	wc := bw * fx.samples
	var out []byte
	for r := 0; r < rows; r++ {
		words := make([]uint64, wc)
		for c := 0; c < bw; c++ {
			for s := 0; s < fx.samples; s++ {
				col, row := bx*bw+c, by*bh+r
				if col < fx.width && row < fx.height {
					words[c*fx.samples+s] = fx.bitsOf(fx.pixel(col, row, s))
				}
			}
		}
		rowBytes := make([]byte, wc*bps)
		switch fx.predictor {
		case predictorFloat:
			be := make([]byte, wc*bps)
			for k, w := range words {
				putBits(binary.BigEndian, be[k*bps:], w, bps)
			}
			for k := 0; k < wc; k++ {
				for j := 0; j < bps; j++ {
					rowBytes[j*wc+k] = be[k*bps+j]
				}
			}
			for i := len(rowBytes) - 1; i >= fx.samples; i-- {
				rowBytes[i] -= rowBytes[i-fx.samples]
			}
		case predictorHorizontal:
			mask := uint64(1)<<fx.bits - 1
			for i := len(words) - 1; i >= fx.samples; i-- {
				words[i] = (words[i] - words[i-fx.samples]) & mask
			}
			fallthrough
		default:
			for k, w := range words {
				putBits(fx.order, rowBytes[k*bps:], w, bps)
			}
		}
		out = append(out, rowBytes...)
	}
	if fx.compression == compressionDeflate {
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		_, _ = zw.Write(out)
		_ = zw.Close()
		return z.Bytes()
	}
	return out
}

type fixtureEntry struct {
	tag   uint16
	dt    uint16
	count uint32
	data  []byte
}

func (fx fixture) shorts(tag uint16, vs ...int) fixtureEntry {
	data := make([]byte, 2*len(vs))
	for i, v := range vs {
		fx.order.PutUint16(data[2*i:], uint16(v))
	}
	return fixtureEntry{tag, dtShort, uint32(len(vs)), data}
}

func (fx fixture) longs(tag uint16, vs ...int) fixtureEntry {
	data := make([]byte, 4*len(vs))
	for i, v := range vs {
		fx.order.PutUint32(data[4*i:], uint32(v))
	}
	return fixtureEntry{tag, dtLong, uint32(len(vs)), data}
}

func (fx fixture) doubles(tag uint16, vs ...float64) fixtureEntry {
	data := make([]byte, 8*len(vs))
	for i, v := range vs {
		fx.order.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return fixtureEntry{tag, dtDouble, uint32(len(vs)), data}
}

func repeat(v, n int) []int {
	vs := make([]int, n)
	for i := range vs {
		vs[i] = v
	}
	return vs
}

// encode lays out a classic TIFF: header, directory, out of line tag values, then the blocks.
func (fx fixture) encode() []byte {
	fx = fx.withDefaults()
	_, _, across, down := fx.blocks()
	var blocks [][]byte
	for by := 0; by < down; by++ {
		for bx := 0; bx < across; bx++ {
			blocks = append(blocks, fx.encodeBlock(bx, by))
		}
	}
	counts := make([]int, len(blocks))
	for i, b := range blocks {
		counts[i] = len(b)
	}

	offsetsTag, countsTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)
	entries := []fixtureEntry{
		fx.longs(tagImageWidth, fx.width),
		fx.longs(tagImageLength, fx.height),
		fx.shorts(tagBitsPerSample, repeat(fx.bits, fx.samples)...),
		fx.shorts(tagCompression, fx.compression),
		fx.shorts(262, 1),
		fx.shorts(tagSamplesPerPixel, fx.samples),
		fx.shorts(tagPlanarConfig, 1),
		fx.shorts(tagSampleFormat, repeat(fx.format, fx.samples)...),
		fx.doubles(tagModelPixelScale, fx.scale, fx.scale, 0),
		fx.doubles(tagModelTiepoint, 0, 0, 0, fx.originX, fx.originY, 0),
	}
	if fx.tileW > 0 {
		offsetsTag, countsTag = tagTileOffsets, tagTileByteCounts
		entries = append(entries, fx.longs(tagTileWidth, fx.tileW), fx.longs(tagTileLength, fx.tileH))
	} else {
		entries = append(entries, fx.longs(tagRowsPerStrip, fx.rowsPerStrip))
	}
	if fx.predictor != 0 {
		entries = append(entries, fx.shorts(tagPredictor, fx.predictor))
	}
	if fx.noData != "" {
		entries = append(entries, fixtureEntry{tagGDALNoData, dtASCII, uint32(len(fx.noData) + 1), append([]byte(fx.noData), 0)})
	}
	entries = append(entries, fx.longs(offsetsTag, make([]int, len(blocks))...), fx.longs(countsTag, counts...))
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	pos := 8 + 2 + 12*len(entries) + 4
	valueOffsets := make([]int, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			valueOffsets[i] = pos
			pos += len(e.data) + len(e.data)%2
		}
	}
	blockOffsets := make([]int, len(blocks))
	for i, b := range blocks {
		blockOffsets[i] = pos
		pos += len(b)
	}
	for i, e := range entries {
		if e.tag == offsetsTag {
			entries[i] = fx.longs(offsetsTag, blockOffsets...)
		}
	}

	var out bytes.Buffer
	if fx.order == binary.BigEndian {
		out.WriteString("MM")
	} else {
		out.WriteString("II")
	}
	u16 := make([]byte, 2)
	u32 := make([]byte, 4)
	fx.order.PutUint16(u16, 42)
	out.Write(u16)
	fx.order.PutUint32(u32, 8)
	out.Write(u32)

	fx.order.PutUint16(u16, uint16(len(entries)))
	out.Write(u16)
	for i, e := range entries {
		fx.order.PutUint16(u16, e.tag)
		out.Write(u16)
		fx.order.PutUint16(u16, e.dt)
		out.Write(u16)
		fx.order.PutUint32(u32, e.count)
		out.Write(u32)
		if len(e.data) > 4 {
			fx.order.PutUint32(u32, uint32(valueOffsets[i]))
			out.Write(u32)
		} else {
			inline := make([]byte, 4)
			copy(inline, e.data)
			out.Write(inline)
		}
	}
	out.Write(make([]byte, 4))
	for _, e := range entries {
		if len(e.data) > 4 {
			out.Write(e.data)
			if len(e.data)%2 == 1 {
				out.WriteByte(0)
			}
		}
	}
	for _, b := range blocks {
		out.Write(b)
	}
	return out.Bytes()
}

func writeFixture(t *testing.T, fx fixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.tif")
	require.NoError(t, os.WriteFile(path, fx.encode(), 0o644))
	return path
}
