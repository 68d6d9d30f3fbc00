// Package local implements an in-process embedding provider. It encodes
// text by feature-hashing words and character trigrams into a fixed
// 384-dimension space, then normalizing to unit length. The encoding is
// deterministic across runs and processes, works offline, and needs no
// model files, which is what makes it the default head of the provider
// chain.
package local

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/ntic-sm/istabot/pkg/embedding"
	vmath "github.com/ntic-sm/istabot/pkg/math"
)

// Dimension of the encoded vectors. Matches the hosted multilingual
// MiniLM model so local and apiA indexes stay interchangeable in shape.
const Dimension = 384

// Encoder is a deterministic hashing text encoder.
type Encoder struct{}

// New creates a local encoder.
func New() *Encoder {
	return &Encoder{}
}

// Embed encodes one text.
func (e *Encoder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, embedding.ErrEmptyInput
	}

	vec := make([]float32, Dimension)
	for _, word := range tokenize(text) {
		addFeature(vec, word, 1.0)
		for _, gram := range trigrams(word) {
			addFeature(vec, gram, 0.5)
		}
	}

	vmath.NormalizeInPlace(vec)
	return vec, nil
}

// EmbedBatch encodes each text in order. Encoding is pure CPU work, so
// the batch path is a plain loop.
func (e *Encoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the encoder output dimension.
func (e *Encoder) Dimension() int {
	return Dimension
}

// Name identifies the local encoder.
func (e *Encoder) Name() string {
	return "local"
}

// tokenize lowercases and splits on anything that is not a letter or a
// digit, keeping accented and Arabic script words whole.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// trigrams returns the character trigrams of a word padded with boundary
// markers, so prefixes and suffixes hash distinctly.
func trigrams(word string) []string {
	runes := []rune("^" + word + "$")
	if len(runes) < 3 {
		return nil
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}

// addFeature hashes a feature into its bucket. One hash bit picks the
// sign so collisions tend to cancel instead of piling up.
func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum32()

	idx := int(sum % uint32(len(vec)))
	if sum&0x80000000 != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
