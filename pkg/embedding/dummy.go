package embedding

import "context"

// dummyDimension matches the local encoder so a degraded process keeps
// the index shape it would have had.
const dummyDimension = 384

// Dummy is the terminal provider of the fallback chain. It returns zero
// vectors and never fails, keeping retrieval shape-correct when every
// real provider is down.
type Dummy struct {
	dim int
}

// NewDummy creates a zero-vector provider. A non-positive dim selects
// the default dimension.
func NewDummy(dim int) *Dummy {
	if dim <= 0 {
		dim = dummyDimension
	}
	return &Dummy{dim: dim}
}

// Embed returns a zero vector.
func (d *Dummy) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, d.dim), nil
}

// EmbedBatch returns one zero vector per input.
func (d *Dummy) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, d.dim)
	}
	return out, nil
}

// Dimension returns the configured dimension.
func (d *Dummy) Dimension() int {
	return d.dim
}

// Name identifies the dummy provider.
func (d *Dummy) Name() string {
	return "dummy"
}
