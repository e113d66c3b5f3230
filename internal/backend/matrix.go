package backend

import (
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// blockLen is the number of values sharing one scale in quantized formats.
const blockLen = 32

// matrix is a rows x cols weight matrix stored in one encoding.
type matrix interface {
	Rows() int
	Cols() int
	// MulVec writes m·x into out.
	MulVec(x, out []float32)
}

func newMatrix(enc Encoding, rows, cols int, data []float32) (matrix, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("backend: weight size %d != %dx%d", len(data), rows, cols)
	}
	switch enc {
	case F32:
		w := make([]float32, len(data))
		copy(w, data)
		return &f32Matrix{rows: rows, cols: cols, w: w}, nil
	case F16:
		w := make([]uint16, len(data))
		for i, v := range data {
			w[i] = float16.Fromfloat32(v).Bits()
		}
		return &f16Matrix{rows: rows, cols: cols, w: w}, nil
	case BF16:
		return &bf16Matrix{rows: rows, cols: cols, w: bfloat16.EncodeFloat32(data)}, nil
	case Q8_0:
		return quantizeQ8(rows, cols, data), nil
	case Q4_0:
		return quantizeQ4(rows, cols, data), nil
	}
	return nil, fmt.Errorf("backend: no matrix for encoding %q", enc)
}

type f32Matrix struct {
	rows, cols int
	w          []float32
}

func (m *f32Matrix) Rows() int { return m.rows }
func (m *f32Matrix) Cols() int { return m.cols }

func (m *f32Matrix) MulVec(x, out []float32) {
	for r := 0; r < m.rows; r++ {
		row := m.w[r*m.cols : (r+1)*m.cols]
		var acc float32
		for c, v := range row {
			acc += v * x[c]
		}
		out[r] = acc
	}
}

type f16Matrix struct {
	rows, cols int
	w          []uint16
}

func (m *f16Matrix) Rows() int { return m.rows }
func (m *f16Matrix) Cols() int { return m.cols }

func (m *f16Matrix) MulVec(x, out []float32) {
	for r := 0; r < m.rows; r++ {
		row := m.w[r*m.cols : (r+1)*m.cols]
		var acc float32
		for c, bits := range row {
			acc += float16.Frombits(bits).Float32() * x[c]
		}
		out[r] = acc
	}
}

type bf16Matrix struct {
	rows, cols int
	w          []byte
}

func (m *bf16Matrix) Rows() int { return m.rows }
func (m *bf16Matrix) Cols() int { return m.cols }

func (m *bf16Matrix) MulVec(x, out []float32) {
	stride := 2 * m.cols
	for r := 0; r < m.rows; r++ {
		row := bfloat16.DecodeFloat32(m.w[r*stride : (r+1)*stride])
		var acc float32
		for c, v := range row {
			acc += v * x[c]
		}
		out[r] = acc
	}
}

// qBlock is one block of quantized values with an fp16 scale.
type qBlock struct {
	scale uint16
	q     []byte
}

// qMatrix holds rows of quantized blocks. Rows are zero padded to a
// multiple of blockLen.
type qMatrix struct {
	rows, cols int
	blocks     [][]qBlock
	dequant    func(b qBlock, dst []float32)
}

func (m *qMatrix) Rows() int { return m.rows }
func (m *qMatrix) Cols() int { return m.cols }

func (m *qMatrix) MulVec(x, out []float32) {
	var buf [blockLen]float32
	for r := 0; r < m.rows; r++ {
		var acc float32
		for bi, b := range m.blocks[r] {
			m.dequant(b, buf[:])
			base := bi * blockLen
			for i := 0; i < blockLen && base+i < m.cols; i++ {
				acc += buf[i] * x[base+i]
			}
		}
		out[r] = acc
	}
}

func rowBlocks(row []float32) [][]float32 {
	n := (len(row) + blockLen - 1) / blockLen
	out := make([][]float32, n)
	for i := range out {
		blk := make([]float32, blockLen)
		copy(blk, row[i*blockLen:min((i+1)*blockLen, len(row))])
		out[i] = blk
	}
	return out
}

func absMax(v []float32) float32 {
	var m float32
	for _, x := range v {
		if a := float32(math.Abs(float64(x))); a > m {
			m = a
		}
	}
	return m
}

// quantizeQ8 stores each block as int8 values scaled by amax/127.
func quantizeQ8(rows, cols int, data []float32) matrix {
	m := &qMatrix{rows: rows, cols: cols, blocks: make([][]qBlock, rows)}
	for r := 0; r < rows; r++ {
		for _, blk := range rowBlocks(data[r*cols : (r+1)*cols]) {
			d := absMax(blk) / 127
			var inv float32
			if d != 0 {
				inv = 1 / d
			}
			q := make([]byte, blockLen)
			for i, v := range blk {
				q[i] = byte(int8(math.Round(float64(v * inv))))
			}
			m.blocks[r] = append(m.blocks[r], qBlock{scale: float16.Fromfloat32(d).Bits(), q: q})
		}
	}
	m.dequant = func(b qBlock, dst []float32) {
		d := float16.Frombits(b.scale).Float32()
		for i, v := range b.q {
			dst[i] = float32(int8(v)) * d
		}
	}
	return m
}

// quantizeQ4 stores each block as 4-bit values offset by 8, two per byte,
// scaled by amax/7.
func quantizeQ4(rows, cols int, data []float32) matrix {
	m := &qMatrix{rows: rows, cols: cols, blocks: make([][]qBlock, rows)}
	for r := 0; r < rows; r++ {
		for _, blk := range rowBlocks(data[r*cols : (r+1)*cols]) {
			d := absMax(blk) / 7
			var inv float32
			if d != 0 {
				inv = 1 / d
			}
			q := make([]byte, blockLen/2)
			for i := 0; i < blockLen; i += 2 {
				lo := clampNibble(math.Round(float64(blk[i]*inv)) + 8)
				hi := clampNibble(math.Round(float64(blk[i+1]*inv)) + 8)
				q[i/2] = lo | hi<<4
			}
			m.blocks[r] = append(m.blocks[r], qBlock{scale: float16.Fromfloat32(d).Bits(), q: q})
		}
	}
	m.dequant = func(b qBlock, dst []float32) {
		d := float16.Frombits(b.scale).Float32()
		for i, v := range b.q {
			dst[2*i] = float32(int(v&0x0f)-8) * d
			dst[2*i+1] = float32(int(v>>4)-8) * d
		}
	}
	return m
}

func clampNibble(v float64) byte {
	switch {
	case v < 0:
		return 0
	case v > 15:
		return 15
	}
	return byte(v)
}
