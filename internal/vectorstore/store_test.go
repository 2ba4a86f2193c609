package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nugget/mnemon/internal/config"
)

// Compile-time interface checks.
var (
	_ Index = (*Qdrant)(nil)
	_ Index = (*SQLite)(nil)
	_ Index = (*Memory)(nil)
)

func TestFactory(t *testing.T) {
	tests := []struct {
		cfg     config.VectorStoreConfig
		wantErr bool
	}{
		{config.VectorStoreConfig{Provider: "qdrant", URL: "http://localhost:6333", Collection: "c"}, false},
		{config.VectorStoreConfig{Provider: "qdrant", Collection: "c"}, true},
		{config.VectorStoreConfig{Provider: "sqlite", Path: filepath.Join(t.TempDir(), "m.db"), Collection: "c"}, false},
		{config.VectorStoreConfig{Provider: "sqlite", Collection: "c"}, true},
		{config.VectorStoreConfig{Provider: "memory", Collection: "c"}, false},
		{config.VectorStoreConfig{Provider: "pinecone"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Provider, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

// backends returns a fresh, empty index per backend.
func backends(t *testing.T) map[string]Index {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "mnemon.db"), WithCollection("test"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Index{
		"memory": NewMemory(WithCollection("test")),
		"sqlite": sq,
		"qdrant": newFakeQdrant(t, "test"),
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, idx Index)) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, idx) })
	}
}

func mustCreate(t *testing.T, idx Index, dims int) {
	t.Helper()
	if err := idx.CreateCollection(context.Background(), dims); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
}

func TestCollectionLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		ok, err := idx.CollectionExists(ctx)
		if err != nil || ok {
			t.Fatalf("CollectionExists before create = %v, %v", ok, err)
		}
		mustCreate(t, idx, 3)
		if ok, _ := idx.CollectionExists(ctx); !ok {
			t.Fatal("collection should exist after create")
		}
		if err := idx.DropCollection(ctx); err != nil {
			t.Fatalf("DropCollection: %v", err)
		}
		if ok, _ := idx.CollectionExists(ctx); ok {
			t.Fatal("collection should be gone after drop")
		}
	})
}

func TestUpsertGetDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		mustCreate(t, idx, 2)

		if err := idx.Upsert(ctx, Point{ID: 1, Text: "first", Vector: []float32{1, 0}}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		p, err := idx.Get(ctx, 1)
		if err != nil || p.Text != "first" || p.ID != 1 {
			t.Fatalf("Get = %+v, %v", p, err)
		}

		// Same id overwrites.
		idx.Upsert(ctx, Point{ID: 1, Text: "replaced", Vector: []float32{0, 1}})
		if p, _ := idx.Get(ctx, 1); p.Text != "replaced" {
			t.Errorf("after overwrite Get = %+v", p)
		}

		if err := idx.Delete(ctx, 1); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := idx.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete err = %v, want ErrNotFound", err)
		}
		if err := idx.Delete(ctx, 42); err != nil {
			t.Errorf("Delete of absent id = %v, want nil", err)
		}
	})
}

func TestUpsert_WrongDimensions(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		mustCreate(t, idx, 3)
		if err := idx.Upsert(context.Background(), Point{ID: 1, Text: "x", Vector: []float32{1}}); err == nil {
			t.Error("expected dimension mismatch error")
		}
	})
}

func TestUpsert_NoCollection(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		if err := idx.Upsert(context.Background(), Point{ID: 1, Text: "x", Vector: []float32{1}}); err == nil {
			t.Error("expected error upserting into a missing collection")
		}
	})
}

func TestScroll_Paginates(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		mustCreate(t, idx, 1)
		for _, id := range []int32{5, 1, 3, 9, 7} {
			idx.Upsert(ctx, Point{ID: id, Text: "p", Vector: []float32{1}})
		}

		var got []int32
		cursor := ""
		pages := 0
		for {
			page, err := idx.Scroll(ctx, cursor, 2)
			if err != nil {
				t.Fatalf("Scroll: %v", err)
			}
			pages++
			for _, p := range page.Points {
				got = append(got, p.ID)
			}
			if page.Next == "" || len(page.Points) == 0 {
				break
			}
			cursor = page.Next
		}

		want := []int32{1, 3, 5, 7, 9}
		if len(got) != len(want) {
			t.Fatalf("ids = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("ids = %v, want %v", got, want)
			}
		}
		if pages != 3 {
			t.Errorf("pages = %d, want 3", pages)
		}
	})
}

func TestScroll_Empty(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		mustCreate(t, idx, 1)
		page, err := idx.Scroll(context.Background(), "", 100)
		if err != nil || len(page.Points) != 0 || page.Next != "" {
			t.Errorf("Scroll on empty = %+v, %v", page, err)
		}
	})
}

func TestSearch_RanksByCosine(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		mustCreate(t, idx, 2)
		idx.Upsert(ctx, Point{ID: 1, Text: "east", Vector: []float32{1, 0}})
		idx.Upsert(ctx, Point{ID: 2, Text: "north", Vector: []float32{0, 1}})
		idx.Upsert(ctx, Point{ID: 3, Text: "northeast", Vector: []float32{1, 1}})

		hits, err := idx.Search(ctx, []float32{1, 0.1}, 2)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("hits = %+v, want 2", hits)
		}
		if hits[0].Text != "east" || hits[1].Text != "northeast" {
			t.Errorf("order = %+v", hits)
		}
		if hits[0].Score < hits[1].Score {
			t.Errorf("scores not descending: %+v", hits)
		}
		if hits[0].Score < 0.99 {
			t.Errorf("top score = %f, want ~0.995", hits[0].Score)
		}
	})
}

func TestSearch_EmptyCollection(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		mustCreate(t, idx, 2)
		hits, err := idx.Search(context.Background(), []float32{1, 0}, 3)
		if err != nil || len(hits) != 0 {
			t.Errorf("Search on empty = %+v, %v", hits, err)
		}
	})
}

func TestHealth(t *testing.T) {
	eachBackend(t, func(t *testing.T, idx Index) {
		if err := idx.Health(context.Background()); err != nil {
			t.Errorf("Health: %v", err)
		}
	})
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, -1.5, 3.25, 1e-7}
	got := decodeVector(encodeVector(v))
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("decode(encode(%v)) = %v", v, got)
		}
	}
}
