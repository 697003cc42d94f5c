package vector

import (
	"context"
	"strings"
)

// Index is the embedding store. Vectors live in one collection per
// (device, model) pair; ids are asset paths with the path separator
// substituted so they survive as flat identifiers.
type Index interface {
	EnsureCollection(ctx context.Context, device, model string, dim int) error
	Upsert(ctx context.Context, device, model string, vectors []Vector) error
	// QueryMatches returns ids with their cosine scores (higher is better).
	QueryMatches(ctx context.Context, device, model string, q []float32, topK int) ([]Match, error)
	// FetchVectors returns stored vectors and payloads for the given ids.
	// Unknown ids are silently absent from the result.
	FetchVectors(ctx context.Context, device, model string, ids []string) ([]Vector, error)
	ListIDs(ctx context.Context, device, model string) ([]string, error)
	// ListPayloads walks the whole collection returning ids with payloads
	// but no vector values.
	ListPayloads(ctx context.Context, device, model string) ([]Vector, error)
	DeleteIDs(ctx context.Context, device, model string, ids []string) error
	DropCollection(ctx context.Context, device, model string) error
}

type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// ToID maps an asset path to its index id. The mapping is not inverted
// anywhere; callers that need the path back carry it in metadata or in the
// record store.
func ToID(path string) string {
	return strings.ReplaceAll(path, "/", "_")
}
