package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nugget/mnemon/internal/embeddings/embeddingstest"
	"github.com/nugget/mnemon/internal/vectorstore"
)

const testDims = 64

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *vectorstore.Memory) {
	t.Helper()
	idx := vectorstore.NewMemory()
	s := NewStore(idx, embeddingstest.New(testDims), testDims, quietLogger())
	if _, err := s.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	return s, idx
}

func TestEnsureCollection_Idempotent(t *testing.T) {
	s := NewStore(vectorstore.NewMemory(), embeddingstest.New(testDims), testDims, quietLogger())
	ctx := context.Background()

	created, err := s.EnsureCollection(ctx)
	if err != nil || !created {
		t.Fatalf("first EnsureCollection = %v, %v", created, err)
	}
	created, err = s.EnsureCollection(ctx)
	if err != nil || created {
		t.Fatalf("second EnsureCollection = %v, %v", created, err)
	}
}

func TestNextID_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.NextID(context.Background())
	if err != nil || id != 1 {
		t.Errorf("NextID on empty = %d, %v, want 1", id, err)
	}
}

func TestNextID_AfterGaps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Add(ctx, 1, "a")
	s.Add(ctx, 3, "b")

	id, err := s.NextID(ctx)
	if err != nil || id != 4 {
		t.Errorf("NextID = %d, %v, want 4", id, err)
	}
}

func TestNextID_ReusesDeletedMax(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Add(ctx, 1, "a")
	s.Add(ctx, 2, "b")
	s.Delete(ctx, 2)

	id, _ := s.NextID(ctx)
	if id != 2 {
		t.Errorf("NextID after deleting the max = %d, want 2", id)
	}
}

func TestAddOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Add(ctx, 7, "old")
	s.Add(ctx, 7, "new")

	d, err := s.Get(ctx, 7)
	if err != nil || d.Text != "new" {
		t.Errorf("Get = %+v, %v", d, err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestDelete_Absent(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Delete(context.Background(), 99); err != nil {
		t.Errorf("Delete of absent id = %v", err)
	}
}

func TestSearch_OrderedAndEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	docs, err := s.Search(ctx, "anything", 3)
	if err != nil || len(docs) != 0 {
		t.Fatalf("Search on empty = %v, %v", docs, err)
	}

	s.Add(ctx, 1, "the wifi password is 1234")
	s.Add(ctx, 2, "my cat likes tuna")
	s.Add(ctx, 3, "the garage code is 9876")

	docs, err = s.Search(ctx, "wifi password", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 || docs[0].ID != 1 {
		t.Fatalf("Search = %+v", docs)
	}
	for i := 1; i < len(docs); i++ {
		if docs[i].Score > docs[i-1].Score {
			t.Errorf("not descending: %+v", docs)
		}
	}
}

func TestSearchOne(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SearchOne(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SearchOne on empty = %v, want ErrNotFound", err)
	}
	s.Add(ctx, 1, "the door is red")
	s.Add(ctx, 2, "the sky is blue")
	d, err := s.SearchOne(ctx, "red door")
	if err != nil || d.ID != 1 {
		t.Errorf("SearchOne = %+v, %v", d, err)
	}
}

func TestSelectGrounding(t *testing.T) {
	docs := func(scores ...float32) []Document {
		out := make([]Document, len(scores))
		for i, sc := range scores {
			out[i] = Document{ID: int32(i + 1), Text: fmt.Sprint(sc), Score: sc}
		}
		return out
	}
	tests := []struct {
		name   string
		in     []Document
		wantID []int32
	}{
		{"one above threshold", docs(0.9, 0.4, 0.3), []int32{1}},
		{"none above threshold", docs(0.5, 0.4), []int32{1}},
		{"several above", docs(0.95, 0.7, 0.2), []int32{1, 2}},
		{"exactly threshold is excluded", docs(0.6, 0.59), []int32{1}},
		{"all above", docs(0.9, 0.8, 0.7), []int32{1, 2, 3}},
		{"empty", docs(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectGrounding(tt.in)
			if got == nil {
				t.Fatal("SelectGrounding returned nil, want non-nil slice")
			}
			if len(got) != len(tt.wantID) {
				t.Fatalf("got %+v, want ids %v", got, tt.wantID)
			}
			for i, id := range tt.wantID {
				if got[i].ID != id {
					t.Errorf("got %+v, want ids %v", got, tt.wantID)
				}
			}
		})
	}
}

func TestSearchSmart_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	docs, err := s.SearchSmart(context.Background(), "anything")
	if err != nil || len(docs) != 0 {
		t.Errorf("SearchSmart on empty = %v, %v", docs, err)
	}
}

func TestSearchSmart_AlwaysReturnsOneWhenAnyExist(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Add(ctx, 1, "completely unrelated sentence about boats")

	docs, err := s.SearchSmart(ctx, "zebra quantum")
	if err != nil || len(docs) != 1 || docs[0].ID != 1 {
		t.Errorf("SearchSmart = %+v, %v", docs, err)
	}
}

func TestEnumerate_FollowsCursor(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := int32(1); i <= 250; i++ {
		if err := s.Add(ctx, i, fmt.Sprintf("fact %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := s.Enumerate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 250 {
		t.Fatalf("Enumerate returned %d docs, want 250", len(docs))
	}
	seen := make(map[int32]bool)
	for _, d := range docs {
		if seen[d.ID] {
			t.Fatalf("duplicate id %d", d.ID)
		}
		seen[d.ID] = true
	}
	if id, _ := s.NextID(ctx); id != 251 {
		t.Errorf("NextID = %d, want 251", id)
	}
}

// scriptedIndex serves canned Scroll pages and records the cursors it saw.
type scriptedIndex struct {
	vectorstore.Index
	pages   []vectorstore.Page
	cursors []string
	err     error
}

func (s *scriptedIndex) Scroll(_ context.Context, cursor string, limit int) (vectorstore.Page, error) {
	if limit != PageSize {
		return vectorstore.Page{}, fmt.Errorf("limit = %d, want %d", limit, PageSize)
	}
	s.cursors = append(s.cursors, cursor)
	if s.err != nil {
		return vectorstore.Page{}, s.err
	}
	if len(s.cursors) > len(s.pages) {
		return vectorstore.Page{}, errors.New("scrolled past the last page")
	}
	return s.pages[len(s.cursors)-1], nil
}

func TestEnumerate_StopsOnEmptyPage(t *testing.T) {
	idx := &scriptedIndex{pages: []vectorstore.Page{
		{Points: []vectorstore.Point{{ID: 1, Text: "a"}}, Next: "2"},
		{Points: nil, Next: "3"},
	}}
	s := NewStore(idx, embeddingstest.New(4), 4, quietLogger())

	docs, err := s.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("docs = %+v", docs)
	}
	if len(idx.cursors) != 2 || idx.cursors[0] != "" || idx.cursors[1] != "2" {
		t.Errorf("cursors = %q", idx.cursors)
	}
}

func TestEnumerate_StopsWithoutCursor(t *testing.T) {
	idx := &scriptedIndex{pages: []vectorstore.Page{
		{Points: []vectorstore.Point{{ID: 4, Text: "a"}, {ID: 9, Text: "b"}}},
	}}
	s := NewStore(idx, embeddingstest.New(4), 4, quietLogger())

	id, err := s.NextID(context.Background())
	if err != nil || id != 10 {
		t.Errorf("NextID = %d, %v, want 10", id, err)
	}
	if len(idx.cursors) != 1 {
		t.Errorf("scrolled %d times, want 1", len(idx.cursors))
	}
}

func TestStoreErrors(t *testing.T) {
	backendDown := errors.New("connection refused")
	idx := &scriptedIndex{err: backendDown}
	s := NewStore(idx, embeddingstest.New(4), 4, quietLogger())

	_, err := s.Enumerate(context.Background())
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "scroll" {
		t.Fatalf("err = %v, want StoreError(scroll)", err)
	}
	if !errors.Is(err, backendDown) {
		t.Error("StoreError should unwrap to the backend error")
	}
}

func TestEmbeddingFailureIsStoreError(t *testing.T) {
	emb := embeddingstest.New(testDims)
	s := NewStore(vectorstore.NewMemory(), emb, testDims, quietLogger())
	ctx := context.Background()
	s.EnsureCollection(ctx)

	emb.Err = errors.New("embedding service timeout")
	err := s.Add(ctx, 1, "x")
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "embed" {
		t.Fatalf("Add err = %v, want StoreError(embed)", err)
	}
	if _, err := s.Search(ctx, "x", 1); !errors.As(err, &se) {
		t.Fatalf("Search err = %v, want StoreError", err)
	}
	if docs, _ := s.Enumerate(ctx); len(docs) != 0 {
		t.Error("failed Add must not leave a partial write")
	}
}

func TestRemember_ConcurrentIDsAreUnique(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 20
	ids := make([]int32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Remember(ctx, fmt.Sprintf("fact %d", i))
			if err != nil {
				t.Errorf("Remember: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int32]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("id %d handed out twice: %v", id, ids)
		}
		seen[id] = true
	}
	docs, _ := s.Enumerate(ctx)
	if len(docs) != n {
		t.Errorf("stored %d docs, want %d", len(docs), n)
	}
}
