package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/image/tiff/lzw"
)

// decodeBlock reads, decompresses and un-predicts block bIdx and returns its samples.
// Samples are stored row by row, stride values per pixel.
func (r *Raster) decodeBlock(bIdx int) ([]float64, error) {
	d := r.ifd
	rows := r.blockH
	if !d.tiled {
		if rest := d.height - (bIdx/r.blocksAcross)*r.blockH; rest < rows {
			rows = rest
		}
	}
	bps := d.bytesPerSample()
	rowBytes := r.blockW * r.stride * bps
	want := rowBytes * rows

	offset, count := d.offsets[bIdx], d.byteCounts[bIdx]
	if count > uint64(4*want)+1<<20 {
		return nil, fmt.Errorf("%w: %s block %d claims %d bytes", ErrFormat, r.path, bIdx, count)
	}
	raw := make([]byte, count)
	if _, err := r.f.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: %s block %d: %v", ErrFormat, r.path, bIdx, err)
	}

	buf, err := decompress(d.compression, raw, want)
	if err != nil {
		return nil, fmt.Errorf("%w: %s block %d: %v", ErrFormat, r.path, bIdx, err)
	}

	switch d.predictor {
	case predictorHorizontal:
		for row := 0; row < rows; row++ {
			undoHorizontal(buf[row*rowBytes:(row+1)*rowBytes], r.stride, bps, d)
		}
	case predictorFloat:
		for row := 0; row < rows; row++ {
			undoFloatingPoint(buf[row*rowBytes:(row+1)*rowBytes], r.stride, bps)
		}
	}

	values := make([]float64, want/bps)
	for i := range values {
		values[i] = d.sampleAt(buf[i*bps:], d.predictor == predictorFloat)
	}
	return values, nil
}

func decompress(compression int, raw []byte, want int) ([]byte, error) {
	if compression == compressionNone {
		if len(raw) < want {
			return nil, fmt.Errorf("got %d of %d bytes", len(raw), want)
		}
		return raw[:want], nil
	}

	var rc io.ReadCloser
	switch compression {
	case compressionLZW:
		rc = lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		rc = zr
	default:
		return nil, fmt.Errorf("compression %d", compression)
	}
	defer rc.Close()

	buf := make([]byte, want)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// undoHorizontal reverses horizontal differencing of integer samples in one row.
func undoHorizontal(row []byte, stride, bps int, d *directory) {
	n := len(row) / bps
	switch bps {
	case 1:
		for i := stride; i < n; i++ {
			row[i] += row[i-stride]
		}
	case 2:
		for i := stride; i < n; i++ {
			d.order.PutUint16(row[2*i:], d.order.Uint16(row[2*i:])+d.order.Uint16(row[2*(i-stride):]))
		}
	case 4:
		for i := stride; i < n; i++ {
			d.order.PutUint32(row[4*i:], d.order.Uint32(row[4*i:])+d.order.Uint32(row[4*(i-stride):]))
		}
	case 8:
		for i := stride; i < n; i++ {
			d.order.PutUint64(row[8*i:], d.order.Uint64(row[8*i:])+d.order.Uint64(row[8*(i-stride):]))
		}
	}
}

// undoFloatingPoint reverses the floating point predictor of one row: the bytes are differenced
// as a whole, then stored split by significance, most significant bytes of all samples first.
// On return the row holds big endian samples.
func undoFloatingPoint(row []byte, stride, bps int) {
	for i := stride; i < len(row); i++ {
		row[i] += row[i-stride]
	}
	wc := len(row) / bps
	tmp := make([]byte, len(row))
	copy(tmp, row)
	for k := 0; k < wc; k++ {
		for j := 0; j < bps; j++ {
			row[k*bps+j] = tmp[j*wc+k]
		}
	}
}

func (d *directory) sampleAt(b []byte, bigEndian bool) float64 {
	order := d.order
	if bigEndian {
		order = binary.BigEndian
	}
	switch d.sampleFormat {
	case sampleFormatFloat:
		if d.bitsPerSample == 64 {
			return math.Float64frombits(order.Uint64(b))
		}
		return float64(math.Float32frombits(order.Uint32(b)))
	case sampleFormatInt:
		switch d.bitsPerSample {
		case 8:
			return float64(int8(b[0]))
		case 16:
			return float64(int16(order.Uint16(b)))
		default:
			return float64(int32(order.Uint32(b)))
		}
	default:
		switch d.bitsPerSample {
		case 8:
			return float64(b[0])
		case 16:
			return float64(order.Uint16(b))
		default:
			return float64(order.Uint32(b))
		}
	}
}
