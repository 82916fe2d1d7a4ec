// Package memory implements semantic retrieval over a user's indexed history.
//
// Fragments are embedded when indexed and scored against the query embedding
// with cosine similarity at retrieval time.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// Retrieval defaults.
const (
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.3
)

// ErrEmptyContent is returned when indexing blank text.
var ErrEmptyContent = errors.New("memory content is empty")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FragmentSource lists stored fragments.
type FragmentSource interface {
	ListMemoryFragments(ctx context.Context, userID string, layers ...models.SourceLayer) ([]models.MemoryFragment, error)
}

// FragmentSink stores fragments.
type FragmentSink interface {
	AddMemoryFragment(ctx context.Context, f models.MemoryFragment) (models.MemoryFragment, error)
}

// RetrieverOpts holds retriever configuration.
type RetrieverOpts struct {
	TopK          int
	MinSimilarity float64
	Layers        []models.SourceLayer
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*RetrieverOpts)

// WithTopK caps the number of memories returned.
func WithTopK(k int) RetrieverOption {
	return func(o *RetrieverOpts) { o.TopK = k }
}

// WithMinSimilarity drops memories scoring below min.
func WithMinSimilarity(min float64) RetrieverOption {
	return func(o *RetrieverOpts) { o.MinSimilarity = min }
}

// WithLayers restricts retrieval to the given source layers.
func WithLayers(layers ...models.SourceLayer) RetrieverOption {
	return func(o *RetrieverOpts) { o.Layers = layers }
}

// Retriever returns the stored fragments most similar to a query.
type Retriever struct {
	embedder Embedder
	source   FragmentSource
	opts     RetrieverOpts
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder Embedder, source FragmentSource, opts ...RetrieverOption) *Retriever {
	cfg := RetrieverOpts{TopK: DefaultTopK, MinSimilarity: DefaultMinSimilarity}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retriever{embedder: embedder, source: source, opts: cfg}
}

// RetrieveContext returns up to TopK memories for userID ordered by similarity.
// No match yields an empty slice and no error.
func (r *Retriever) RetrieveContext(ctx context.Context, userID, query string) ([]models.RetrievedMemory, error) {
	if strings.TrimSpace(query) == "" {
		return []models.RetrievedMemory{}, nil
	}
	fragments, err := r.source.ListMemoryFragments(ctx, userID, r.opts.Layers...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory fragments: %w", err)
	}
	if len(fragments) == 0 {
		return []models.RetrievedMemory{}, nil
	}
	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	corpus := make([][]float32, len(fragments))
	for i, f := range fragments {
		corpus[i] = f.Embedding
	}
	top, skipped := FindTopK(qvec, corpus, r.opts.TopK)
	if skipped > 0 {
		slog.Warn("Retriever.RetrieveContext: skipped fragments with mismatched dimensions", "user_id", userID, "skipped", skipped)
	}

	out := make([]models.RetrievedMemory, 0, len(top))
	for _, res := range top {
		if res.Similarity < r.opts.MinSimilarity {
			continue
		}
		f := fragments[res.Index]
		out = append(out, models.RetrievedMemory{
			Content:     f.Content,
			Similarity:  res.Similarity,
			SourceLayer: f.SourceLayer,
		})
	}
	slog.Debug("Retriever.RetrieveContext: retrieved memories", "user_id", userID, "candidates", len(fragments), "returned", len(out))
	return out, nil
}

// Indexer embeds text and stores it as a memory fragment.
type Indexer struct {
	embedder Embedder
	sink     FragmentSink
}

// NewIndexer creates an Indexer.
func NewIndexer(embedder Embedder, sink FragmentSink) *Indexer {
	return &Indexer{embedder: embedder, sink: sink}
}

// Index stores content for userID under layer.
func (ix *Indexer) Index(ctx context.Context, userID, content string, layer models.SourceLayer) (models.MemoryFragment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.MemoryFragment{}, ErrEmptyContent
	}
	if userID == "" {
		return models.MemoryFragment{}, models.ErrEmptyUserID
	}
	vec, err := ix.embedder.Embed(ctx, content)
	if err != nil {
		return models.MemoryFragment{}, fmt.Errorf("failed to embed memory: %w", err)
	}
	f, err := ix.sink.AddMemoryFragment(ctx, models.MemoryFragment{
		UserID:      userID,
		Content:     content,
		SourceLayer: layer,
		Embedding:   vec,
	})
	if err != nil {
		return models.MemoryFragment{}, fmt.Errorf("failed to save memory: %w", err)
	}
	slog.Debug("Indexer.Index: memory indexed", "user_id", userID, "id", f.ID, "layer", layer)
	return f, nil
}
