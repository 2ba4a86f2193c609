// Package memory is Mnemon's semantic memory: a collection of facts,
// each stored as raw text with its embedding, retrieved by nearest
// neighbor search.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/mnemon/internal/embeddings"
	"github.com/nugget/mnemon/internal/vectorstore"
)

// Retrieval policy constants.
const (
	// PageSize is the number of documents fetched per Enumerate page.
	PageSize = 100

	// SmartLimit is how many candidates SearchSmart considers.
	SmartLimit = 3

	// SmartThreshold is the score a candidate must exceed to be kept by
	// SearchSmart.
	SmartThreshold = 0.6
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a stored fact. Score is set only on search results.
type Document struct {
	ID    int32   `json:"id"`
	Text  string  `json:"text"`
	Score float32 `json:"score,omitempty"`
}

// StoreError reports a failed embedding or vector store call. It aborts
// the current turn; nothing is retried.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store owns the fact collection.
type Store struct {
	index    vectorstore.Index
	embedder embeddings.Embedder
	dims     int
	logger   *slog.Logger

	// addMu makes NextID followed by Add atomic across sessions.
	addMu sync.Mutex
}

// NewStore creates a Store over index. dims is the embedding length used
// when the collection has to be created.
func NewStore(index vectorstore.Index, embedder embeddings.Embedder, dims int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		index:    index,
		embedder: embedder,
		dims:     dims,
		logger:   logger,
	}
}

// EnsureCollection creates the collection with the configured
// dimensionality and cosine distance if it does not exist. It reports
// whether it created one. Safe to call on every startup.
func (s *Store) EnsureCollection(ctx context.Context) (bool, error) {
	ok, err := s.index.CollectionExists(ctx)
	if err != nil {
		return false, &StoreError{Op: "check collection", Err: err}
	}
	if ok {
		return false, nil
	}
	if err := s.index.CreateCollection(ctx, s.dims); err != nil {
		return false, &StoreError{Op: "create collection", Err: err}
	}
	s.logger.Info("created memory collection", "dimensions", s.dims)
	return true, nil
}

// DropCollection deletes the collection and every fact in it. Use it
// before switching to an embedding model of a different length.
func (s *Store) DropCollection(ctx context.Context) error {
	if err := s.index.DropCollection(ctx); err != nil {
		return &StoreError{Op: "drop collection", Err: err}
	}
	return nil
}

// Add embeds text and stores it under id, replacing any existing
// document with that id.
func (s *Store) Add(ctx context.Context, id int32, text string) error {
	vec, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return &StoreError{Op: "embed", Err: err}
	}
	if err := s.index.Upsert(ctx, vectorstore.Point{ID: id, Text: text, Vector: vec}); err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}
	s.logger.Debug("document stored", "id", id, "len", len(text))
	return nil
}

// Remember stores text under NextID and returns the id used. Concurrent
// callers never receive the same id.
func (s *Store) Remember(ctx context.Context, text string) (int32, error) {
	s.addMu.Lock()
	defer s.addMu.Unlock()

	id, err := s.NextID(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.Add(ctx, id, text); err != nil {
		return 0, err
	}
	return id, nil
}

// Delete removes the document with id. Deleting an absent id is not an
// error.
func (s *Store) Delete(ctx context.Context, id int32) error {
	if err := s.index.Delete(ctx, id); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	s.logger.Debug("document deleted", "id", id)
	return nil
}

// Get returns the document with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int32) (Document, error) {
	p, err := s.index.Get(ctx, id)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, &StoreError{Op: "get", Err: err}
	}
	return Document{ID: p.ID, Text: p.Text}, nil
}

// Search returns up to limit documents nearest to query, highest score
// first. No results is not an error.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	vec, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, &StoreError{Op: "embed", Err: err}
	}
	hits, err := s.index.Search(ctx, vec, limit)
	if err != nil {
		return nil, &StoreError{Op: "search", Err: err}
	}
	docs := make([]Document, len(hits))
	for i, h := range hits {
		docs[i] = Document{ID: h.ID, Text: h.Text, Score: h.Score}
	}
	return docs, nil
}

// SearchOne returns the single nearest document, or ErrNotFound when the
// collection is empty.
func (s *Store) SearchOne(ctx context.Context, query string) (Document, error) {
	docs, err := s.Search(ctx, query, 1)
	if err != nil {
		return Document{}, err
	}
	if len(docs) == 0 {
		return Document{}, ErrNotFound
	}
	return docs[0], nil
}

// SearchSmart returns grounding documents for query: the SmartLimit
// nearest candidates filtered by SelectGrounding.
func (s *Store) SearchSmart(ctx context.Context, query string) ([]Document, error) {
	docs, err := s.Search(ctx, query, SmartLimit)
	if err != nil {
		return nil, err
	}
	return SelectGrounding(docs), nil
}

// SelectGrounding applies the retrieval policy to candidates sorted by
// descending score. Candidates scoring above SmartThreshold are kept.
// If none qualify, only the top candidate is returned, so any non-empty
// input yields at least one document. Empty input yields empty output.
func SelectGrounding(candidates []Document) []Document {
	if len(candidates) == 0 {
		return []Document{}
	}
	var kept []Document
	for _, d := range candidates {
		if d.Score > SmartThreshold {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return candidates[:1]
	}
	return kept
}

// Enumerate returns every document, following the backend's cursor
// until it reports no further pages or returns an empty page.
func (s *Store) Enumerate(ctx context.Context) ([]Document, error) {
	var (
		docs   []Document
		cursor string
	)
	for {
		page, err := s.index.Scroll(ctx, cursor, PageSize)
		if err != nil {
			return nil, &StoreError{Op: "scroll", Err: err}
		}
		for _, p := range page.Points {
			docs = append(docs, Document{ID: p.ID, Text: p.Text})
		}
		if page.Next == "" || len(page.Points) == 0 {
			return docs, nil
		}
		cursor = page.Next
	}
}

// NextID returns one more than the highest stored id, or 1 when the
// collection is empty. Deleting the highest document lets its id be
// handed out again.
func (s *Store) NextID(ctx context.Context) (int32, error) {
	docs, err := s.Enumerate(ctx)
	if err != nil {
		return 0, err
	}
	var highest int32
	for _, d := range docs {
		if d.ID > highest {
			highest = d.ID
		}
	}
	return highest + 1, nil
}

// Health checks that the vector store is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.index.Health(ctx)
}
