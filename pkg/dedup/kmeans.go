// Package dedup filters near-duplicate documents before indexing.
// Scraped site pages repeat navigation, footers and boilerplate across
// chunks; clustering the embeddings and keeping one representative per
// tight group keeps the index lean without losing coverage.
package dedup

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	simd "github.com/ntic-sm/istabot/pkg/math"
	"github.com/ntic-sm/istabot/pkg/types"
)

// Config holds deduplication parameters.
type Config struct {
	// Threshold is the cosine distance below which two documents are
	// considered duplicates. Lower = stricter. Typical range: 0.01-0.10.
	Threshold float64

	// K is the number of clusters. If 0, defaults to sqrt(N/2).
	K int

	// MaxIterations limits K-Means iterations. Default: 10
	MaxIterations int

	// Workers is the number of parallel workers. Default: NumCPU
	Workers int

	// Seed for reproducible clustering. If 0, uses current time.
	Seed int64
}

// DefaultConfig returns sensible defaults for deduplication.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.05,
		MaxIterations: 10,
		Workers:       runtime.NumCPU(),
		Seed:          0,
	}
}

// Engine performs semantic deduplication over document embeddings using
// K-Means clustering with per-cluster medoid pruning.
type Engine struct {
	cfg Config
	rng *rand.Rand
}

// NewEngine creates a deduplication engine with the given config.
func NewEngine(cfg Config) *Engine {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}

	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// cluster holds documents assigned to a centroid.
type cluster struct {
	centroid []float32
	members  []int // indices into the input slice
}

// Deduplicate returns the unique documents plus run statistics. Every
// input document must already carry an embedding.
func (e *Engine) Deduplicate(ctx context.Context, docs []types.Document) (*types.DeduplicationResult, error) {
	start := time.Now()

	if len(docs) == 0 {
		return &types.DeduplicationResult{}, nil
	}

	k := e.cfg.K
	if k <= 0 {
		k = int(math.Sqrt(float64(len(docs)) / 2))
		if k < 1 {
			k = 1
		}
	}
	if k > len(docs) {
		k = len(docs)
	}

	clusters, err := e.kMeans(ctx, docs, k)
	if err != nil {
		return nil, err
	}

	uniqueIndices := e.pruneClustersConcurrent(docs, clusters)

	unique := make([]types.Document, 0, len(uniqueIndices))
	for _, idx := range uniqueIndices {
		unique = append(unique, docs[idx])
	}

	return &types.DeduplicationResult{
		UniqueDocuments:  unique,
		DuplicateCount:   len(docs) - len(unique),
		TotalProcessed:   len(docs),
		ClusterCount:     k,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// kMeans clusters the document embeddings.
func (e *Engine) kMeans(ctx context.Context, docs []types.Document, k int) ([]cluster, error) {
	if len(docs) == 0 || k == 0 {
		return nil, nil
	}

	dim := docs[0].Dimension()
	centroids := e.initCentroids(docs, k, dim)
	assignments := make([]int, len(docs))

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		changed := e.assignDocumentsConcurrent(docs, centroids, assignments)
		if !changed && iter > 0 {
			break
		}

		e.updateCentroids(docs, assignments, centroids, k, dim)
	}

	clusters := make([]cluster, k)
	for i := range clusters {
		clusters[i].centroid = centroids[i]
		clusters[i].members = make([]int, 0)
	}
	for docIdx, clusterIdx := range assignments {
		clusters[clusterIdx].members = append(clusters[clusterIdx].members, docIdx)
	}

	return clusters, nil
}

// initCentroids selects k random document embeddings as initial centroids.
func (e *Engine) initCentroids(docs []types.Document, k, dim int) [][]float32 {
	centroids := make([][]float32, k)

	perm := e.rng.Perm(len(docs))
	for i := 0; i < k; i++ {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], docs[perm[i]].Embedding)
	}

	return centroids
}

// assignDocumentsConcurrent assigns each document to its nearest
// centroid in parallel. Returns true if any assignment changed.
func (e *Engine) assignDocumentsConcurrent(docs []types.Document, centroids [][]float32, assignments []int) bool {
	n := len(docs)
	workers := e.cfg.Workers
	if workers > n {
		workers = n
	}

	chunkSize := (n + workers - 1) / workers
	var wg sync.WaitGroup
	changedFlags := make([]bool, workers)

	for w := 0; w < workers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(workerID, start, end int) {
			defer wg.Done()
			changed := false

			for i := start; i < end; i++ {
				nearest := e.findNearestCentroid(docs[i].Embedding, centroids)
				if assignments[i] != nearest {
					assignments[i] = nearest
					changed = true
				}
			}

			changedFlags[workerID] = changed
		}(w, start, end)
	}

	wg.Wait()

	for _, c := range changedFlags {
		if c {
			return true
		}
	}
	return false
}

// findNearestCentroid returns the index of the closest centroid.
func (e *Engine) findNearestCentroid(vec []float32, centroids [][]float32) int {
	minDist := math.MaxFloat64
	minIdx := 0

	for i, c := range centroids {
		dist := simd.CosineDistance(vec, c)
		if dist < minDist {
			minDist = dist
			minIdx = i
		}
	}

	return minIdx
}

// updateCentroids recalculates centroids as the mean of their members.
func (e *Engine) updateCentroids(docs []types.Document, assignments []int, centroids [][]float32, k, dim int) {
	sums := make([][]float64, k)
	counts := make([]int, k)

	for i := range sums {
		sums[i] = make([]float64, dim)
	}

	for docIdx, clusterIdx := range assignments {
		counts[clusterIdx]++
		for d := 0; d < dim; d++ {
			sums[clusterIdx][d] += float64(docs[docIdx].Embedding[d])
		}
	}

	for i := 0; i < k; i++ {
		if counts[i] == 0 {
			continue
		}
		invCount := 1.0 / float64(counts[i])
		for d := 0; d < dim; d++ {
			centroids[i][d] = float32(sums[i][d] * invCount)
		}
	}
}

// pruneClustersConcurrent collects the unique members of every cluster.
func (e *Engine) pruneClustersConcurrent(docs []types.Document, clusters []cluster) []int {
	var mu sync.Mutex
	uniqueIndices := make([]int, 0, len(docs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.Workers)

	for _, cl := range clusters {
		if len(cl.members) == 0 {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(c cluster) {
			defer wg.Done()
			defer func() { <-sem }()

			unique := e.pruneCluster(docs, c)

			mu.Lock()
			uniqueIndices = append(uniqueIndices, unique...)
			mu.Unlock()
		}(cl)
	}

	wg.Wait()
	return uniqueIndices
}

// pruneCluster drops cluster members that sit within Threshold of the
// medoid. The medoid itself is always kept, so a cluster of boilerplate
// chunks collapses to one representative.
func (e *Engine) pruneCluster(docs []types.Document, cl cluster) []int {
	if len(cl.members) == 0 {
		return nil
	}
	if len(cl.members) == 1 {
		return cl.members
	}

	medoidIdx := cl.members[0]
	minDist := simd.CosineDistance(docs[medoidIdx].Embedding, cl.centroid)

	for _, idx := range cl.members[1:] {
		dist := simd.CosineDistance(docs[idx].Embedding, cl.centroid)
		if dist < minDist {
			minDist = dist
			medoidIdx = idx
		}
	}

	unique := make([]int, 0, len(cl.members))
	unique = append(unique, medoidIdx)

	medoidVec := docs[medoidIdx].Embedding

	for _, idx := range cl.members {
		if idx == medoidIdx {
			continue
		}

		dist := simd.CosineDistance(docs[idx].Embedding, medoidVec)
		if dist >= e.cfg.Threshold {
			unique = append(unique, idx)
		}
	}

	return unique
}
