// Package vectorstore holds (id, text, vector) points and answers
// nearest-neighbor queries by cosine similarity. Backends are a Qdrant
// REST client, a local SQLite file, and an in-process index.
package vectorstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no point has the requested id.
var ErrNotFound = errors.New("point not found")

// Point is one stored fact.
type Point struct {
	ID     int32
	Text   string
	Vector []float32 // empty when read back from Scroll or Get
}

// Hit is a search result. Score is cosine similarity, roughly [-1, 1].
type Hit struct {
	ID    int32
	Text  string
	Score float32
}

// Page is one slice of a Scroll. Next is the cursor for the following
// page, empty when the backend reports no further pages.
type Page struct {
	Points []Point
	Next   string
}

// Index is the vector store interface.
type Index interface {
	// CollectionExists reports whether the configured collection exists.
	CollectionExists(ctx context.Context) (bool, error)

	// CreateCollection creates the collection for vectors of dims
	// length with cosine distance.
	CreateCollection(ctx context.Context, dims int) error

	// DropCollection removes the collection and every point in it.
	DropCollection(ctx context.Context) error

	// Upsert writes p, replacing any point with the same id. It returns
	// once the write is durable.
	Upsert(ctx context.Context, p Point) error

	// Delete removes the point with id. Deleting an absent id is not an
	// error.
	Delete(ctx context.Context, id int32) error

	// Get returns the point with id, or ErrNotFound.
	Get(ctx context.Context, id int32) (Point, error)

	// Scroll returns up to limit points starting at cursor, in id
	// order. An empty cursor starts from the beginning.
	Scroll(ctx context.Context, cursor string, limit int) (Page, error)

	// Search returns the limit points nearest to vector, highest score
	// first.
	Search(ctx context.Context, vector []float32, limit int) ([]Hit, error)

	// Health checks if the store is reachable.
	Health(ctx context.Context) error
}
