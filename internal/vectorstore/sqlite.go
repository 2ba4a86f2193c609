package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mnemon/internal/embeddings"
)

// SQLite implements Index in a local database file. Search is a full
// scan scored in process, which is fine for a personal memory of a few
// thousand facts.
type SQLite struct {
	db         *sql.DB
	collection string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db, collection: o.Collection}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			dims INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS points (
			collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
			id INTEGER NOT NULL,
			text TEXT NOT NULL,
			vector BLOB NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) dims(ctx context.Context) (int, error) {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dims FROM collections WHERE name = ?`, s.collection).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("collection %q does not exist", s.collection)
	}
	return dims, err
}

// CollectionExists implements Index.
func (s *SQLite) CollectionExists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, s.collection).Scan(&n)
	return n > 0, err
}

// CreateCollection implements Index.
func (s *SQLite) CreateCollection(ctx context.Context, dims int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO collections (name, dims) VALUES (?, ?)`, s.collection, dims)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// DropCollection implements Index.
func (s *SQLite) DropCollection(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM points WHERE collection = ?`, s.collection); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, s.collection)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collection %q does not exist", s.collection)
	}
	return tx.Commit()
}

// Upsert implements Index.
func (s *SQLite) Upsert(ctx context.Context, p Point) error {
	dims, err := s.dims(ctx)
	if err != nil {
		return err
	}
	if len(p.Vector) != dims {
		return fmt.Errorf("vector has %d dimensions, collection expects %d", len(p.Vector), dims)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO points (collection, id, text, vector) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET text = excluded.text, vector = excluded.vector
	`, s.collection, p.ID, p.Text, encodeVector(p.Vector))
	return err
}

// Delete implements Index.
func (s *SQLite) Delete(ctx context.Context, id int32) error {
	if _, err := s.dims(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE collection = ? AND id = ?`, s.collection, id)
	return err
}

// Get implements Index.
func (s *SQLite) Get(ctx context.Context, id int32) (Point, error) {
	p := Point{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT text FROM points WHERE collection = ? AND id = ?`, s.collection, id).Scan(&p.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return Point{}, ErrNotFound
	}
	if err != nil {
		return Point{}, err
	}
	return p, nil
}

// Scroll implements Index. The cursor is the id of the first point of
// the next page, as Qdrant does it.
func (s *SQLite) Scroll(ctx context.Context, cursor string, limit int) (Page, error) {
	if _, err := s.dims(ctx); err != nil {
		return Page{}, err
	}
	from := int64(math.MinInt32)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 32)
		if err != nil {
			return Page{}, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		from = v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text FROM points
		WHERE collection = ? AND id >= ?
		ORDER BY id LIMIT ?
	`, s.collection, from, limit+1)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.Text); err != nil {
			return Page{}, err
		}
		page.Points = append(page.Points, p)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Points) > limit {
		page.Next = strconv.FormatInt(int64(page.Points[limit].ID), 10)
		page.Points = page.Points[:limit]
	}
	return page, nil
}

// Search implements Index.
func (s *SQLite) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	if _, err := s.dims(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, vector FROM points WHERE collection = ?`, s.collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		points  []Point
		vectors [][]float32
	)
	for rows.Next() {
		var (
			p    Point
			blob []byte
		)
		if err := rows.Scan(&p.ID, &p.Text, &blob); err != nil {
			return nil, err
		}
		points = append(points, p)
		vectors = append(vectors, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := embeddings.TopK(vector, vectors, limit)
	hits := make([]Hit, len(top))
	for i, t := range top {
		p := points[t.Index]
		hits[i] = Hit{ID: p.ID, Text: p.Text, Score: t.Score}
	}
	return hits, nil
}

// Health implements Index.
func (s *SQLite) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
