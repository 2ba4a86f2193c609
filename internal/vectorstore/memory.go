package vectorstore

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/nugget/mnemon/internal/embeddings"
)

// Memory is an in-process Index. Nothing survives a restart; it backs
// tests and throwaway runs.
type Memory struct {
	collection string

	mu     sync.RWMutex
	dims   int // 0 when the collection does not exist
	points map[int32]Point
}

// NewMemory creates an empty in-process index.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Memory{collection: o.Collection}
}

func (m *Memory) requireCollection() error {
	if m.dims == 0 {
		return fmt.Errorf("collection %q does not exist", m.collection)
	}
	return nil
}

// CollectionExists implements Index.
func (m *Memory) CollectionExists(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dims > 0, nil
}

// CreateCollection implements Index.
func (m *Memory) CreateCollection(_ context.Context, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims > 0 {
		return fmt.Errorf("collection %q already exists", m.collection)
	}
	if dims <= 0 {
		return fmt.Errorf("invalid dimensions %d", dims)
	}
	m.dims = dims
	m.points = make(map[int32]Point)
	return nil
}

// DropCollection implements Index.
func (m *Memory) DropCollection(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireCollection(); err != nil {
		return err
	}
	m.dims = 0
	m.points = nil
	return nil
}

// Upsert implements Index.
func (m *Memory) Upsert(_ context.Context, p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireCollection(); err != nil {
		return err
	}
	if len(p.Vector) != m.dims {
		return fmt.Errorf("vector has %d dimensions, collection expects %d", len(p.Vector), m.dims)
	}
	p.Vector = slices.Clone(p.Vector)
	m.points[p.ID] = p
	return nil
}

// Delete implements Index.
func (m *Memory) Delete(_ context.Context, id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireCollection(); err != nil {
		return err
	}
	delete(m.points, id)
	return nil
}

// Get implements Index.
func (m *Memory) Get(_ context.Context, id int32) (Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.points[id]
	if !ok {
		return Point{}, ErrNotFound
	}
	return Point{ID: p.ID, Text: p.Text}, nil
}

// Scroll implements Index.
func (m *Memory) Scroll(_ context.Context, cursor string, limit int) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireCollection(); err != nil {
		return Page{}, err
	}

	ids := make([]int32, 0, len(m.points))
	for id := range m.points {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	start := 0
	if cursor != "" {
		from, err := strconv.ParseInt(cursor, 10, 32)
		if err != nil {
			return Page{}, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		start, _ = slices.BinarySearch(ids, int32(from))
	}

	var page Page
	for i := start; i < len(ids) && len(page.Points) < limit; i++ {
		p := m.points[ids[i]]
		page.Points = append(page.Points, Point{ID: p.ID, Text: p.Text})
	}
	if next := start + len(page.Points); next < len(ids) {
		page.Next = strconv.FormatInt(int64(ids[next]), 10)
	}
	return page, nil
}

// Search implements Index.
func (m *Memory) Search(_ context.Context, vector []float32, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireCollection(); err != nil {
		return nil, err
	}

	ids := make([]int32, 0, len(m.points))
	for id := range m.points {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	vectors := make([][]float32, len(ids))
	for i, id := range ids {
		vectors[i] = m.points[id].Vector
	}

	top := embeddings.TopK(vector, vectors, limit)
	hits := make([]Hit, len(top))
	for i, t := range top {
		p := m.points[ids[t.Index]]
		hits[i] = Hit{ID: p.ID, Text: p.Text, Score: t.Score}
	}
	return hits, nil
}

// Health implements Index.
func (m *Memory) Health(context.Context) error { return nil }
