package vectorstore

import (
	"fmt"
	"time"

	"github.com/nugget/mnemon/internal/config"
)

// Option configures a vector store implementation.
type Option func(*options)

type options struct {
	Collection string
	APIKey     string
	Timeout    time.Duration
}

func defaultOptions() options {
	return options{
		Collection: "mnemon",
		Timeout:    60 * time.Second,
	}
}

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(o *options) { o.Collection = name }
}

// WithAPIKey sets the key sent to Qdrant in the api-key header.
func WithAPIKey(key string) Option {
	return func(o *options) { o.APIKey = key }
}

// WithTimeout bounds each request to the backend.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.Timeout = d }
}

// New creates the Index selected by cfg.Provider.
func New(cfg config.VectorStoreConfig) (Index, error) {
	opts := []Option{
		WithCollection(cfg.Collection),
		WithAPIKey(cfg.APIKey),
		WithTimeout(cfg.Timeout()),
	}
	switch cfg.Provider {
	case "qdrant":
		return NewQdrant(cfg.URL, opts...)
	case "sqlite":
		return OpenSQLite(cfg.Path, opts...)
	case "memory":
		return NewMemory(opts...), nil
	default:
		return nil, fmt.Errorf("unknown vector store provider: %s", cfg.Provider)
	}
}
