package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/nugget/mnemon/internal/httpkit"
)

// Qdrant implements Index using Qdrant's REST API.
type Qdrant struct {
	endpoint   string
	collection string
	apiKey     string
	client     *http.Client
}

// NewQdrant creates a Qdrant-backed index.
func NewQdrant(endpoint string, opts ...Option) (*Qdrant, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("qdrant endpoint is required")
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Qdrant{
		endpoint:   endpoint,
		collection: o.Collection,
		apiKey:     o.APIKey,
		client:     httpkit.NewClient(httpkit.WithTimeout(o.Timeout)),
	}, nil
}

func (q *Qdrant) collectionURL(suffix string) string {
	return q.endpoint + "/collections/" + url.PathEscape(q.collection) + suffix
}

// do sends a request with an optional JSON body and returns the status
// and the full response body.
func (q *Qdrant) do(ctx context.Context, method, u string, body any) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// statusError formats a non-2xx reply using Qdrant's status.error field
// when present.
func statusError(op string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "status.error").String()
	if msg == "" {
		msg = string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
	}
	return fmt.Errorf("qdrant %s failed: HTTP %d: %s", op, status, msg)
}

// CollectionExists implements Index.
func (q *Qdrant) CollectionExists(ctx context.Context) (bool, error) {
	status, body, err := q.do(ctx, http.MethodGet, q.collectionURL(""), nil)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status >= 300:
		return false, statusError("collection info", status, body)
	}
	return true, nil
}

// CreateCollection implements Index.
func (q *Qdrant) CreateCollection(ctx context.Context, dims int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dims,
			"distance": "Cosine",
		},
	}
	status, resp, err := q.do(ctx, http.MethodPut, q.collectionURL(""), body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError("create collection", status, resp)
	}
	return nil
}

// DropCollection implements Index.
func (q *Qdrant) DropCollection(ctx context.Context) error {
	status, resp, err := q.do(ctx, http.MethodDelete, q.collectionURL(""), nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError("delete collection", status, resp)
	}
	return nil
}

// Upsert implements Index.
func (q *Qdrant) Upsert(ctx context.Context, p Point) error {
	body := map[string]any{
		"points": []any{map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": map[string]string{"text": p.Text},
		}},
	}
	status, resp, err := q.do(ctx, http.MethodPut, q.collectionURL("/points?wait=true"), body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError("upsert", status, resp)
	}
	return nil
}

// Delete implements Index.
func (q *Qdrant) Delete(ctx context.Context, id int32) error {
	body := map[string]any{"points": []int32{id}}
	status, resp, err := q.do(ctx, http.MethodPost, q.collectionURL("/points/delete?wait=true"), body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return statusError("delete", status, resp)
	}
	return nil
}

// Get implements Index.
func (q *Qdrant) Get(ctx context.Context, id int32) (Point, error) {
	u := q.collectionURL("/points/" + strconv.FormatInt(int64(id), 10))
	status, resp, err := q.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Point{}, err
	}
	if status == http.StatusNotFound {
		return Point{}, ErrNotFound
	}
	if status >= 300 {
		return Point{}, statusError("get", status, resp)
	}
	result := gjson.GetBytes(resp, "result")
	if !result.Exists() || result.Type == gjson.Null {
		return Point{}, ErrNotFound
	}
	return pointFrom(result), nil
}

// Scroll implements Index. The cursor is Qdrant's next_page_offset in
// its raw JSON form.
func (q *Qdrant) Scroll(ctx context.Context, cursor string, limit int) (Page, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if cursor != "" {
		body["offset"] = json.RawMessage(cursor)
	}
	status, resp, err := q.do(ctx, http.MethodPost, q.collectionURL("/points/scroll"), body)
	if err != nil {
		return Page{}, err
	}
	if status >= 300 {
		return Page{}, statusError("scroll", status, resp)
	}

	var page Page
	for _, p := range gjson.GetBytes(resp, "result.points").Array() {
		page.Points = append(page.Points, pointFrom(p))
	}
	if next := gjson.GetBytes(resp, "result.next_page_offset"); next.Exists() && next.Type != gjson.Null {
		page.Next = next.Raw
	}
	return page, nil
}

// Search implements Index.
func (q *Qdrant) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	status, resp, err := q.do(ctx, http.MethodPost, q.collectionURL("/points/search"), body)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, statusError("search", status, resp)
	}

	results := gjson.GetBytes(resp, "result").Array()
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:    int32(r.Get("id").Int()),
			Text:  r.Get("payload.text").String(),
			Score: float32(r.Get("score").Float()),
		})
	}
	return hits, nil
}

// Health implements Index.
func (q *Qdrant) Health(ctx context.Context) error {
	status, resp, err := q.do(ctx, http.MethodGet, q.endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError("health", status, resp)
	}
	return nil
}

func pointFrom(r gjson.Result) Point {
	return Point{
		ID:   int32(r.Get("id").Int()),
		Text: r.Get("payload.text").String(),
	}
}
