package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

func TestIndexCollectionName(t *testing.T) {
	s := newTestIndex(t, nil)
	if got := s.collectionName("pendant-01", "clip-vit-b32"); got != "ll_pendant-01_clip-vit-b32" {
		t.Fatalf("collection: got=%q", got)
	}
	if got := s.collectionName("dev/../x", "m:1"); got != "ll_dev____x_m_1" {
		t.Fatalf("sanitized collection: got=%q", got)
	}
	if got := s.collectionName("", ""); got != "ll_default_default" {
		t.Fatalf("empty tokens: got=%q", got)
	}
}

func TestIndexUpsertRequestShape(t *testing.T) {
	var captured map[string]any
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPut {
			t.Fatalf("method: want=%s got=%s", http.MethodPut, r.Method)
		}
		if r.URL.Path != "/collections/ll_dev-a_clip/points" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		if r.URL.RawQuery != "wait=true" {
			t.Fatalf("query: want=%q got=%q", "wait=true", r.URL.RawQuery)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return okResponse(t, map[string]any{"status": "acknowledged"}), nil
	})

	meta := map[string]any{"date": "2025-06-01"}
	err := s.Upsert(context.Background(), "dev-a", "clip", []vector.Vector{
		{ID: "2025-06-01_20250601_093000.jpg", Values: []float32{1, 0, 0}, Metadata: meta},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	pointsRaw, ok := captured["points"].([]any)
	if !ok || len(pointsRaw) != 1 {
		t.Fatalf("points: got=%v", captured["points"])
	}
	first, ok := pointsRaw[0].(map[string]any)
	if !ok {
		t.Fatalf("point[0] type: got=%T", pointsRaw[0])
	}
	if first["id"] != s.pointID("ll_dev-a_clip", "2025-06-01_20250601_093000.jpg") {
		t.Fatalf("point id mismatch: got=%v", first["id"])
	}
	payload, ok := first["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload type: got=%T", first["payload"])
	}
	if payload[payloadVectorIDKey] != "2025-06-01_20250601_093000.jpg" {
		t.Fatalf("payload vector id: got=%v", payload[payloadVectorIDKey])
	}
	if _, exists := meta[payloadVectorIDKey]; exists {
		t.Fatalf("input metadata mutated")
	}
}

func TestIndexUpsertRejectsEmptyID(t *testing.T) {
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected")
		return nil, nil
	})
	err := s.Upsert(context.Background(), "dev-a", "clip", []vector.Vector{
		{ID: "  ", Values: []float32{1}},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestIndexQueryMatchesOrdering(t *testing.T) {
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/collections/ll_dev-a_clip/points/search" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		return okResponse(t, []map[string]any{
			{"id": "p1", "score": 0.10, "payload": map[string]any{payloadVectorIDKey: "vec-low"}},
			{"id": "p2", "score": 0.90, "payload": map[string]any{payloadVectorIDKey: "vec-high"}},
			{"id": "p3", "score": 0.90, "payload": map[string]any{payloadVectorIDKey: "vec-also-high"}},
		}), nil
	})

	matches, err := s.QueryMatches(context.Background(), "dev-a", "clip", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("QueryMatches: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("matches: want=3 got=%d", len(matches))
	}
	if matches[0].ID != "vec-also-high" || matches[1].ID != "vec-high" || matches[2].ID != "vec-low" {
		t.Fatalf("order: got=%v", matches)
	}
}

func TestIndexQueryMissingCollectionIsEmpty(t *testing.T) {
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		return errResponse(t, http.StatusNotFound, "collection not found"), nil
	})
	matches, err := s.QueryMatches(context.Background(), "dev-a", "clip", []float32{1}, 5)
	if err != nil {
		t.Fatalf("QueryMatches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("matches: want=0 got=%d", len(matches))
	}
}

func TestIndexListIDsScrollsAllPages(t *testing.T) {
	call := 0
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/collections/ll_dev-a_clip/points/scroll" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		call++
		if call == 1 {
			return okResponse(t, map[string]any{
				"points": []map[string]any{
					{"id": "p1", "payload": map[string]any{payloadVectorIDKey: "a.jpg"}},
					{"id": "p2", "payload": map[string]any{payloadVectorIDKey: "b.jpg"}},
				},
				"next_page_offset": "cursor-1",
			}), nil
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode scroll body: %v", err)
		}
		if body["offset"] != "cursor-1" {
			t.Fatalf("offset: want=%q got=%v", "cursor-1", body["offset"])
		}
		return okResponse(t, map[string]any{
			"points": []map[string]any{
				{"id": "p3", "payload": map[string]any{payloadVectorIDKey: "c.jpg"}},
			},
			"next_page_offset": nil,
		}), nil
	})

	ids, err := s.ListIDs(context.Background(), "dev-a", "clip")
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a.jpg" || ids[2] != "c.jpg" {
		t.Fatalf("ids: got=%v", ids)
	}
	if call != 2 {
		t.Fatalf("scroll calls: want=2 got=%d", call)
	}
}

func TestIndexFetchVectors(t *testing.T) {
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/collections/ll_dev-a_clip/points" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["with_vector"] != true {
			t.Fatalf("with_vector: got=%v", body["with_vector"])
		}
		ids, ok := body["ids"].([]any)
		if !ok || len(ids) != 2 {
			t.Fatalf("ids: got=%v", body["ids"])
		}
		return okResponse(t, []map[string]any{
			{
				"id":      "p1",
				"payload": map[string]any{payloadVectorIDKey: "a.jpg", "timestamp": 1000},
				"vector":  []float32{0.6, 0.8},
			},
		}), nil
	})

	vecs, err := s.FetchVectors(context.Background(), "dev-a", "clip", []string{"a.jpg", "missing.jpg"})
	if err != nil {
		t.Fatalf("FetchVectors: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("vectors: want=1 got=%d", len(vecs))
	}
	if vecs[0].ID != "a.jpg" {
		t.Fatalf("id: want=%q got=%q", "a.jpg", vecs[0].ID)
	}
	if len(vecs[0].Values) != 2 || vecs[0].Values[0] != 0.6 {
		t.Fatalf("values: got=%v", vecs[0].Values)
	}
}

func TestIndexFetchVectorsMissingCollection(t *testing.T) {
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		return errResponse(t, http.StatusNotFound, "collection not found"), nil
	})
	vecs, err := s.FetchVectors(context.Background(), "dev-a", "clip", []string{"a.jpg"})
	if err != nil {
		t.Fatalf("FetchVectors: %v", err)
	}
	if len(vecs) != 0 {
		t.Fatalf("vectors: want=0 got=%d", len(vecs))
	}
}

func TestIndexEnsureCollectionCreatesWhenMissing(t *testing.T) {
	call := 0
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		call++
		if call == 1 {
			if r.Method != http.MethodGet {
				t.Fatalf("first call method: want=GET got=%s", r.Method)
			}
			return errResponse(t, http.StatusNotFound, "collection not found"), nil
		}
		if r.Method != http.MethodPut {
			t.Fatalf("second call method: want=PUT got=%s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode create body: %v", err)
		}
		vectors, ok := body["vectors"].(map[string]any)
		if !ok {
			t.Fatalf("vectors: got=%T", body["vectors"])
		}
		if vectors["distance"] != "Cosine" {
			t.Fatalf("distance: want=Cosine got=%v", vectors["distance"])
		}
		if vectors["size"] != float64(512) {
			t.Fatalf("size: want=512 got=%v", vectors["size"])
		}
		return okResponse(t, true), nil
	})

	if err := s.EnsureCollection(context.Background(), "dev-a", "face", 512); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if call != 2 {
		t.Fatalf("calls: want=2 got=%d", call)
	}
}

func TestIndexEnsureCollectionDimMismatch(t *testing.T) {
	s := newTestIndex(t, func(r *http.Request) (*http.Response, error) {
		return okResponse(t, map[string]any{
			"config": map[string]any{
				"params": map[string]any{
					"vectors": map[string]any{"size": 768, "distance": "Cosine"},
				},
			},
		}), nil
	})
	err := s.EnsureCollection(context.Background(), "dev-a", "clip", 512)
	if err == nil {
		t.Fatalf("expected dim mismatch error")
	}
}

func newTestIndex(t *testing.T, roundTrip func(*http.Request) (*http.Response, error)) *index {
	t.Helper()
	client := &http.Client{
		Transport: roundTripFunc(roundTrip),
	}
	return &index{
		log:     newTestLogger(t),
		cfg:     Config{URL: "http://qdrant.local", CollectionPrefix: "ll"},
		baseURL: "http://qdrant.local",
		http:    client,
	}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	return log
}

func okResponse(t *testing.T, result any) *http.Response {
	t.Helper()
	payload := map[string]any{
		"result": result,
		"status": "ok",
		"time":   0.001,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

func errResponse(t *testing.T, status int, message string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"status": map[string]any{"error": message},
		"time":   0.001,
	})
	if err != nil {
		t.Fatalf("marshal error response: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
