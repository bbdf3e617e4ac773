package quant

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
)

// BinaryQuantizer implements Binary Quantization: one sign bit per
// dimension, bit i = 1 iff component i >= 0.0. Unlike product and scalar
// quantization it has no training phase — the encoding is a fixed
// function of the input vector, so Train is a no-op and IsTrained is
// always true once Configure has run.
type BinaryQuantizer struct {
	mu sync.RWMutex

	config     *QuantizationConfig
	dimension  int
	configured bool
}

// NewBinaryQuantizer creates a new Binary Quantizer instance.
func NewBinaryQuantizer() *BinaryQuantizer {
	return &BinaryQuantizer{}
}

// Configure sets the quantization configuration. Dimension is inferred
// lazily from the first Train or Compress call since QuantizationConfig does
// not carry it explicitly; callers that need it up front can call
// SetDimension.
func (bq *BinaryQuantizer) Configure(config *QuantizationConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if config.Type != BinaryQuantization {
		return fmt.Errorf("expected BinaryQuantization type, got %s", config.Type.String())
	}

	bq.mu.Lock()
	defer bq.mu.Unlock()
	bq.config = config
	bq.configured = true
	return nil
}

// SetDimension pins the expected vector dimension, used by MemoryUsage and
// Decompress before any vector has been compressed.
func (bq *BinaryQuantizer) SetDimension(d int) {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	bq.dimension = d
}

// Train is a no-op: binary quantization requires no codebook or
// statistics pass over sample data.
func (bq *BinaryQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	if len(vectors) > 0 && bq.dimension == 0 {
		bq.dimension = len(vectors[0])
	}
	return nil
}

// Compress packs the sign bit of every component into ceil(d/8) bytes.
func (bq *BinaryQuantizer) Compress(vector []float32) ([]byte, error) {
	bq.mu.Lock()
	if !bq.configured {
		bq.mu.Unlock()
		return nil, fmt.Errorf("binary quantizer not configured")
	}
	if bq.dimension == 0 {
		bq.dimension = len(vector)
	}
	bq.mu.Unlock()

	return EncodeBinaryCode(vector), nil
}

// Decompress is lossy and only reconstructs the sign of each component
// (+1.0 or -1.0), since the magnitude is discarded by design.
func (bq *BinaryQuantizer) Decompress(data []byte) ([]float32, error) {
	bq.mu.RLock()
	d := bq.dimension
	bq.mu.RUnlock()
	if d == 0 {
		d = len(data) * 8
	}

	out := make([]float32, d)
	for i := 0; i < d; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(data) {
			break
		}
		if data[byteIdx]&(1<<bitIdx) != 0 {
			out[i] = 1.0
		} else {
			out[i] = -1.0
		}
	}
	return out, nil
}

// Distance returns the Hamming distance between two packed codes as a
// float32, matching the Quantizer interface's signature.
func (bq *BinaryQuantizer) Distance(compressed1, compressed2 []byte) (float32, error) {
	if len(compressed1) != len(compressed2) {
		return 0, fmt.Errorf("compressed code length mismatch: %d vs %d", len(compressed1), len(compressed2))
	}
	var dist uint32
	for i := range compressed1 {
		dist += uint32(bits.OnesCount8(compressed1[i] ^ compressed2[i]))
	}
	return float32(dist), nil
}

// DistanceToQuery compresses the query on the fly and delegates to
// Distance; callers on a hot path should precompute the query's code once
// instead of calling this repeatedly.
func (bq *BinaryQuantizer) DistanceToQuery(compressed []byte, query []float32) (float32, error) {
	qCode, err := bq.Compress(query)
	if err != nil {
		return 0, err
	}
	return bq.Distance(compressed, qCode)
}

// CompressionRatio returns 32:1, the ratio of a float32 component to one
// packed bit.
func (bq *BinaryQuantizer) CompressionRatio() float32 {
	return 32.0
}

// MemoryUsage returns the size in bytes of one compressed code.
func (bq *BinaryQuantizer) MemoryUsage() int64 {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	return int64(BinaryCodeLen(bq.dimension))
}

// IsTrained is always true: a configured binary quantizer needs no
// training data.
func (bq *BinaryQuantizer) IsTrained() bool {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	return bq.configured
}

// Config returns a copy of the current configuration.
func (bq *BinaryQuantizer) Config() *QuantizationConfig {
	bq.mu.RLock()
	defer bq.mu.RUnlock()
	if bq.config == nil {
		return nil
	}
	cfg := *bq.config
	return &cfg
}

// BinaryCodeLen returns ceil(d/8), the packed byte length for a
// BinaryQuantization code over a d-dimensional vector.
func BinaryCodeLen(d int) int {
	return (d + 7) / 8
}

// EncodeBinaryCode packs the sign bit of every component of vector into a
// ceil(len(vector)/8)-byte code: bit i = 1 iff component i >= 0.0.
func EncodeBinaryCode(vector []float32) []byte {
	code := make([]byte, BinaryCodeLen(len(vector)))
	for i, v := range vector {
		if v >= 0 {
			code[i/8] |= 1 << uint(i%8)
		}
	}
	return code
}

// BinaryQuantizerFactory creates BinaryQuantizer instances.
type BinaryQuantizerFactory struct{}

func NewBinaryQuantizerFactory() *BinaryQuantizerFactory {
	return &BinaryQuantizerFactory{}
}

func (f *BinaryQuantizerFactory) Create(config *QuantizationConfig) (Quantizer, error) {
	if config.Type != BinaryQuantization {
		return nil, fmt.Errorf("unsupported quantization type: %s", config.Type.String())
	}

	bq := NewBinaryQuantizer()
	if err := bq.Configure(config); err != nil {
		return nil, err
	}
	return bq, nil
}

func (f *BinaryQuantizerFactory) Supports(qType QuantizationType) bool {
	return qType == BinaryQuantization
}

func (f *BinaryQuantizerFactory) Name() string {
	return "BinaryQuantizer"
}
