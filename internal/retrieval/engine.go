package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	"github.com/yungbote/lifelog-backend/internal/devices"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
	"github.com/yungbote/lifelog-backend/internal/vision"
)

// Order selects how matched groups are sorted.
type Order string

const (
	// OrderTime sorts groups by their earliest capture time ascending.
	OrderTime Order = "time"
	// OrderRank sorts groups by the rank of their first occurrence in
	// the match list, best match first.
	OrderRank Order = "rank"
)

const faceQueryPerReference = 5

// Group is one segment's worth of matched assets. Assets whose segment
// is still unassigned each form a group of their own.
type Group struct {
	SegmentID *int                  `json:"segmentId"`
	Score     float64               `json:"score"`
	Assets    []*domain.AssetRecord `json:"assets"`
}

type QueryOptions struct {
	TopK   int
	Order  Order
	Access domain.AccessLevel
}

// Engine answers semantic and face queries over one device's archive.
// Query vectors are rotated by the device transform before they reach
// the index; the stored vectors already live in that rotated space.
type Engine struct {
	log       *logger.Logger
	records   assetrepo.AssetRecordRepo
	registry  devices.Registry
	embedder  vision.Embedder
	faces     vision.FaceEngine
	index     vector.Index
	faceModel string
}

func NewEngine(log *logger.Logger, records assetrepo.AssetRecordRepo, registry devices.Registry, embedder vision.Embedder, faces vision.FaceEngine, index vector.Index, faceModel string) *Engine {
	if strings.TrimSpace(faceModel) == "" {
		faceModel = "facenet512"
	}
	return &Engine{
		log:       log.With("service", "RetrievalEngine"),
		records:   records,
		registry:  registry,
		embedder:  embedder,
		faces:     faces,
		index:     index,
		faceModel: faceModel,
	}
}

func (e *Engine) QueryText(ctx context.Context, device, text string, opts QueryOptions) ([]Group, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	emb, err := e.embedder.EncodeText(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.queryVector(ctx, device, emb, opts)
}

func (e *Engine) QueryImage(ctx context.Context, device string, imageBytes []byte, opts QueryOptions) ([]Group, error) {
	if len(imageBytes) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrInvalidInput)
	}
	emb, err := e.embedder.EncodeImage(ctx, imageBytes)
	if err != nil {
		return nil, err
	}
	return e.queryVector(ctx, device, emb, opts)
}

// QuerySimilar finds assets resembling one already in the archive,
// keyed by its stored embedding. The source asset itself is excluded.
func (e *Engine) QuerySimilar(ctx context.Context, device, path string, opts QueryOptions) ([]Group, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: path required", domain.ErrInvalidInput)
	}
	vecs, err := e.index.FetchVectors(ctx, device, e.embedder.Model(), []string{vector.ToID(path)})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0].Values) == 0 {
		return nil, fmt.Errorf("%w: no embedding for %s", domain.ErrNotFound, path)
	}
	// Stored vectors are already in the device-rotated space.
	return e.queryRotated(ctx, device, vecs[0].Values, opts, path)
}

func (e *Engine) queryVector(ctx context.Context, device string, emb []float32, opts QueryOptions) ([]Group, error) {
	rotated, err := e.registry.Transform(ctx, device, emb)
	if err != nil {
		return nil, err
	}
	return e.queryRotated(ctx, device, rotated, opts, "")
}

func (e *Engine) queryRotated(ctx context.Context, device string, rotated []float32, opts QueryOptions, excludePath string) ([]Group, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 20
	}
	// Over-fetch so tombstone and access filtering still leave topK
	// survivors on a normal day.
	matches, err := e.index.QueryMatches(ctx, device, e.embedder.Model(), rotated, (topK+1)*2)
	if err != nil {
		return nil, err
	}
	if excludePath != "" {
		kept := matches[:0]
		for _, m := range matches {
			if matchPath(m) == excludePath {
				continue
			}
			kept = append(kept, m)
		}
		matches = kept
	}

	recs, scores, ranks, err := e.resolveMatches(ctx, device, matches, opts.Access)
	if err != nil {
		return nil, err
	}
	if len(recs) > topK {
		recs = recs[:topK]
	}
	return e.groupBySegment(recs, scores, ranks, opts.Order), nil
}

// resolveMatches maps index hits back to live records, dropping matches
// whose record is gone (the index lags physical deletion until the next
// reconcile) and those the caller may not see.
func (e *Engine) resolveMatches(ctx context.Context, device string, matches []vector.Match, access domain.AccessLevel) ([]*domain.AssetRecord, map[string]float64, map[string]int, error) {
	paths := make([]string, 0, len(matches))
	scores := make(map[string]float64, len(matches))
	ranks := make(map[string]int, len(matches))
	for i, m := range matches {
		p := matchPath(m)
		if p == "" {
			continue
		}
		if _, seen := scores[p]; seen {
			continue
		}
		paths = append(paths, p)
		scores[p] = m.Score
		ranks[p] = i
	}
	if len(paths) == 0 {
		return nil, scores, ranks, nil
	}

	found, err := e.records.GetByPaths(dbctx.Context{Ctx: ctx}, device, paths)
	if err != nil {
		return nil, nil, nil, err
	}
	byPath := make(map[string]*domain.AssetRecord, len(found))
	for _, r := range found {
		byPath[r.Path] = r
	}

	var out []*domain.AssetRecord
	for _, p := range paths {
		rec, ok := byPath[p]
		if !ok || rec.Deleted {
			continue
		}
		if !accessAllows(access, rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, scores, ranks, nil
}

// accessAllows is the visibility predicate. Owners and admins see every
// live asset; friends only see frames that have been through redaction;
// everyone else sees nothing.
func accessAllows(level domain.AccessLevel, rec *domain.AssetRecord) bool {
	switch {
	case level >= domain.AccessOwner:
		return true
	case level == domain.AccessFriend:
		return rec.Redacted
	default:
		return false
	}
}

func (e *Engine) groupBySegment(recs []*domain.AssetRecord, scores map[string]float64, ranks map[string]int, order Order) []Group {
	type bucket struct {
		group     Group
		firstRank int
	}
	var buckets []*bucket
	bySegment := make(map[int]*bucket)

	for _, rec := range recs {
		if rec.SegmentID == nil {
			b := &bucket{
				group:     Group{Score: scores[rec.Path], Assets: []*domain.AssetRecord{rec}},
				firstRank: ranks[rec.Path],
			}
			buckets = append(buckets, b)
			continue
		}
		b, ok := bySegment[*rec.SegmentID]
		if !ok {
			id := *rec.SegmentID
			b = &bucket{
				group:     Group{SegmentID: &id, Score: scores[rec.Path]},
				firstRank: ranks[rec.Path],
			}
			bySegment[id] = b
			buckets = append(buckets, b)
		}
		b.group.Assets = append(b.group.Assets, rec)
		if s := scores[rec.Path]; s > b.group.Score {
			b.group.Score = s
		}
		if r := ranks[rec.Path]; r < b.firstRank {
			b.firstRank = r
		}
	}

	// Newest first inside every group; Assets[0] is then the group's
	// latest capture and orders groups under OrderTime.
	for _, b := range buckets {
		sort.Slice(b.group.Assets, func(i, j int) bool {
			return b.group.Assets[i].CaptureTime > b.group.Assets[j].CaptureTime
		})
	}

	switch order {
	case OrderTime:
		sort.SliceStable(buckets, func(i, j int) bool {
			return buckets[i].group.Assets[0].CaptureTime > buckets[j].group.Assets[0].CaptureTime
		})
	default:
		sort.SliceStable(buckets, func(i, j int) bool {
			return buckets[i].firstRank < buckets[j].firstRank
		})
	}

	out := make([]Group, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.group)
	}
	return out
}

// QueryFace finds assets containing faces similar to the people in the
// reference images. Each reference face contributes its own top matches;
// the union comes back newest first, ungrouped.
func (e *Engine) QueryFace(ctx context.Context, device string, refImages [][]byte, access domain.AccessLevel) ([]*domain.AssetRecord, error) {
	if len(refImages) == 0 {
		return nil, fmt.Errorf("%w: no reference images", domain.ErrInvalidInput)
	}

	seen := make(map[string]struct{})
	var paths []string
	for _, img := range refImages {
		found, err := e.faces.DetectFaces(ctx, img)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			rotated, err := e.registry.Transform(ctx, device, f.Embedding)
			if err != nil {
				return nil, err
			}
			matches, err := e.index.QueryMatches(ctx, device, e.faceModel, rotated, faceQueryPerReference)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				p := matchPath(m)
				if p == "" {
					continue
				}
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	found, err := e.records.GetByPaths(dbctx.Context{Ctx: ctx}, device, paths)
	if err != nil {
		return nil, err
	}
	var out []*domain.AssetRecord
	for _, rec := range found {
		if rec.Deleted || !accessAllows(access, rec) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CaptureTime > out[j].CaptureTime
	})
	return out, nil
}

// matchPath recovers the asset path from a match, preferring the stored
// payload over re-deriving it from the flattened id.
func matchPath(m vector.Match) string {
	if m.Metadata != nil {
		if p, ok := m.Metadata["path"].(string); ok && p != "" {
			return p
		}
	}
	// Canonical ids are "<YYYY-MM-DD>_<stem>.<ext>"; the first separator
	// after the date is the flattened slash. Ids without the date shape
	// up front cannot be mapped back and are dropped.
	if len(m.ID) > 11 && m.ID[4] == '-' && m.ID[7] == '-' && m.ID[10] == '_' {
		return m.ID[:10] + "/" + m.ID[11:]
	}
	return ""
}
