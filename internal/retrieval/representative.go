package retrieval

import (
	"context"
	"math"
	"sort"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

const (
	representativeMin   = 3
	representativeMax   = 8
	representativeRatio = 100
)

// RepresentativeCount sizes a segment's preview: tiny segments show
// everything, larger ones one frame per hundred, never fewer than three
// or more than eight.
func RepresentativeCount(n int) int {
	if n < representativeMin {
		return n
	}
	count := (n + representativeRatio - 1) / representativeRatio
	if count < representativeMin {
		count = representativeMin
	}
	if count > representativeMax {
		count = representativeMax
	}
	return count
}

// Representatives picks the preview frames for one segment. Each frame
// scores by closeness to the segment centroid, blended half-and-half
// with closeness to the query when one is given.
func (e *Engine) Representatives(ctx context.Context, device string, recs []*domain.AssetRecord, query []float32) ([]*domain.AssetRecord, error) {
	count := RepresentativeCount(len(recs))
	if count >= len(recs) {
		out := append([]*domain.AssetRecord(nil), recs...)
		sort.Slice(out, func(i, j int) bool { return out[i].CaptureTime < out[j].CaptureTime })
		return out, nil
	}

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, vector.ToID(r.Path))
	}
	vecs, err := e.index.FetchVectors(ctx, device, e.embedder.Model(), ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string][]float32, len(vecs))
	for _, v := range vecs {
		byID[v.ID] = v.Values
	}

	centroid := segmentCentroid(byID)

	alpha := 1.0
	var rotatedQuery []float32
	if len(query) > 0 {
		alpha = 0.5
		rotatedQuery, err = e.registry.Transform(ctx, device, query)
		if err != nil {
			return nil, err
		}
	}

	type scored struct {
		rec   *domain.AssetRecord
		score float64
	}
	ranked := make([]scored, 0, len(recs))
	for _, r := range recs {
		v := byID[vector.ToID(r.Path)]
		score := math.Inf(-1)
		if v != nil && centroid != nil && len(v) == len(centroid) {
			score = alpha * vector.Dot(v, centroid)
			if rotatedQuery != nil && len(rotatedQuery) == len(v) {
				score += (1 - alpha) * vector.Dot(v, rotatedQuery)
			}
		}
		ranked = append(ranked, scored{rec: r, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]*domain.AssetRecord, 0, count)
	for _, s := range ranked[:count] {
		out = append(out, s.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaptureTime < out[j].CaptureTime })
	return out, nil
}

func segmentCentroid(vecs map[string][]float32) []float32 {
	var sum []float64
	count := 0
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i, x := range sum {
		out[i] = float32(x / float64(count))
	}
	return vector.Normalize(out)
}
