// Package embeddings turns frame summaries into feature vectors for
// similar-frame lookups.
package embeddings

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alecthomas/errors"

	"github.com/bdougie/tablevis/internal/frames"
	"github.com/bdougie/tablevis/internal/models"
)

// Result represents the result of feature vector generation
type Result struct {
	Index     int
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Summary models.FrameSummary
	Columns []string
	Result  chan<- Result
}

// Service manages feature vector generation and caching
type Service struct {
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // key(summary, columns) -> []float32
	wg         sync.WaitGroup
}

// NewService creates a new embedding service with the specified number of workers
func NewService(numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	service := &Service{
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
	}
	service.startWorkers()
	return service
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				embedding, err := s.Vector(work.Summary, work.Columns)
				work.Result <- Result{
					Index:     work.Summary.Index,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// Vector returns the per-column means of a frame summary, in column order.
func (s *Service) Vector(summary models.FrameSummary, columns []string) ([]float32, error) {
	if len(columns) == 0 {
		return nil, errors.New("no columns to build a feature vector from")
	}
	k := key(summary, columns)
	if cached, ok := s.cache.Load(k); ok {
		if embedding, valid := cached.([]float32); valid {
			return embedding, nil
		}
	}
	embedding := make([]float32, len(columns))
	for i, column := range columns {
		mean, ok := summary.Mean(column)
		if !ok {
			// Frames missing a column sit at the origin of that dimension.
			continue
		}
		embedding[i] = float32(mean)
	}
	s.cache.Store(k, embedding)
	return embedding, nil
}

// GetEmbedding queues a feature vector request and returns the channel its
// result arrives on. It blocks while the queue is full; when ctx ends first
// the result carries the context error.
func (s *Service) GetEmbedding(ctx context.Context, summary models.FrameSummary, columns []string) <-chan Result {
	resultChan := make(chan Result, 1)
	select {
	case s.workQueue <- Work{Summary: summary, Columns: columns, Result: resultChan}:
	case <-ctx.Done():
		resultChan <- Result{Index: summary.Index, Error: errors.WithStack(ctx.Err())}
		close(resultChan)
	}
	return resultChan
}

// Vectors computes the standardised feature vectors of every summary.
//
// Each dimension is shifted and scaled to zero mean and unit variance across
// frames, so columns with large magnitudes do not dominate distances.
func (s *Service) Vectors(ctx context.Context, summaries []models.FrameSummary, columns []string) (map[int][]float32, error) {
	pending := make([]<-chan Result, 0, len(summaries))
	for _, summary := range summaries {
		pending = append(pending, s.GetEmbedding(ctx, summary, columns))
	}

	raw := make(map[int][]float32, len(summaries))
	for _, resultChan := range pending {
		select {
		case result := <-resultChan:
			if result.Error != nil {
				return nil, errors.Errorf("frame %d: %w", result.Index, result.Error)
			}
			raw[result.Index] = result.Embedding
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
	return Standardise(raw), nil
}

// Standardise returns copies of vectors with every dimension scaled to zero
// mean and unit variance. Constant dimensions become zero.
func Standardise(vectors map[int][]float32) map[int][]float32 {
	out := make(map[int][]float32, len(vectors))
	if len(vectors) == 0 {
		return out
	}
	dims := 0
	for _, v := range vectors {
		dims = max(dims, len(v))
	}
	mean := make([]float64, dims)
	std := make([]float64, dims)
	n := float64(len(vectors))
	for _, v := range vectors {
		for i, x := range v {
			mean[i] += float64(x) / n
		}
	}
	for _, v := range vectors {
		for i, x := range v {
			d := float64(x) - mean[i]
			std[i] += d * d / n
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i])
	}
	for idx, v := range vectors {
		scaled := make([]float32, dims)
		for i, x := range v {
			if std[i] > 0 {
				scaled[i] = float32((float64(x) - mean[i]) / std[i])
			}
		}
		out[idx] = scaled
	}
	return out
}

// Nearest ranks the other frames by Euclidean distance to frame idx and
// returns at most k of them, closest first.
func Nearest(vectors map[int][]float32, idx, k int) ([]models.FrameSearchResult, error) {
	target, ok := vectors[idx]
	if !ok {
		return nil, errors.Errorf("%d: %w", idx, frames.ErrUnknownFrame)
	}
	results := make([]models.FrameSearchResult, 0, len(vectors))
	for other, v := range vectors {
		if other == idx {
			continue
		}
		results = append(results, models.FrameSearchResult{Index: other, Distance: distance(target, v)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Index < results[j].Index
	})
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func distance(a, b []float32) float64 {
	var sum float64
	for i := range max(len(a), len(b)) {
		var x, y float64
		if i < len(a) {
			x = float64(a[i])
		}
		if i < len(b) {
			y = float64(b[i])
		}
		sum += (x - y) * (x - y)
	}
	return math.Sqrt(sum)
}

// key identifies a vector by frame, columns and the means it is built from,
// so a re-read frame with new values misses the cache.
func key(summary models.FrameSummary, columns []string) string {
	var b strings.Builder
	b.WriteString(summary.Dir)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(summary.Index))
	for _, column := range columns {
		b.WriteByte(0)
		b.WriteString(column)
		b.WriteByte('=')
		if mean, ok := summary.Mean(column); ok {
			b.WriteString(strconv.FormatFloat(mean, 'g', -1, 64))
		}
	}
	return b.String()
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	close(s.workQueue)
	s.wg.Wait()
}
