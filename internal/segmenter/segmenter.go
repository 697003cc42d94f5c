package segmenter

import (
	"context"
	"math"
	"sync"
	"time"

	redisclient "github.com/yungbote/lifelog-backend/internal/clients/redis"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

const (
	// DefaultGapSeconds is the time gap that always starts a new segment.
	DefaultGapSeconds = 120
	// thetaFloor keeps the visual boundary threshold from collapsing on
	// days with little variance.
	thetaFloor     = 0.9
	thetaStdFactor = 1.5
	// minSegmentSize is the smallest segment allowed to stand on its own.
	minSegmentSize = 3
)

// Segmenter groups one device-date's assets into contiguous time segments.
// Boundaries come from wall-clock gaps and from embedding distance jumps;
// recomputation is incremental, touching only the suffix that follows the
// earliest unassigned record so already-published segment ids stay stable.
type Segmenter struct {
	log     *logger.Logger
	records assetrepo.AssetRecordRepo
	index   vector.Index
	bus     redisclient.SegmentBus
	model   string
	gap     time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(log *logger.Logger, records assetrepo.AssetRecordRepo, index vector.Index, bus redisclient.SegmentBus, model string) *Segmenter {
	gapSeconds := envutil.Int("SEGMENT_GAP_SECONDS", DefaultGapSeconds)
	if gapSeconds <= 0 {
		gapSeconds = DefaultGapSeconds
	}
	if bus == nil {
		bus = redisclient.NopSegmentBus{}
	}
	return &Segmenter{
		log:     log.With("service", "Segmenter"),
		records: records,
		index:   index,
		bus:     bus,
		model:   model,
		gap:     time.Duration(gapSeconds) * time.Second,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockKey serializes segmentation per (device, date); concurrent job
// completions for the same day would otherwise race on suffix clearing.
func (s *Segmenter) lockKey(key string) func() {
	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Segmenter) Resegment(ctx context.Context, device, date string) error {
	if device == "" || date == "" {
		return domain.ErrInvalidInput
	}
	unlock := s.lockKey(device + "|" + date)
	defer unlock()

	all, err := s.records.ListByDeviceDate(dbctx.Context{Ctx: ctx}, device, date, false)
	if err != nil {
		return err
	}
	// Only embedded records take part; a record whose embedding stage has
	// not finished cannot hold a segment id yet.
	recs := make([]*domain.AssetRecord, 0, len(all))
	for _, r := range all {
		if r.Embedded {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		return nil
	}

	// Recomputation starts at the earliest unassigned record, or at the
	// earliest hole in the id sequence when deletions left it sparse. Ids
	// are dense and non-decreasing along capture order, so a jump past
	// prev+1 marks the hole.
	start := -1
	prev := -1
	for i, r := range recs {
		if r.SegmentID == nil {
			start = i
			break
		}
		if *r.SegmentID > prev+1 {
			start = i
			break
		}
		if *r.SegmentID > prev {
			prev = *r.SegmentID
		}
	}
	if start == -1 {
		return nil
	}

	// Everything at or after the earliest unassigned capture time gets
	// recomputed, including already-assigned records that share the day
	// suffix. Assigned ids strictly before that point are never touched.
	tStar := recs[start].CaptureTime
	for start > 0 && recs[start-1].CaptureTime >= tStar {
		start--
	}
	suffix := recs[start:]

	// New ids continue after the untouched prefix so the day stays dense.
	maxID := -1
	for _, r := range recs[:start] {
		if r.SegmentID != nil && *r.SegmentID > maxID {
			maxID = *r.SegmentID
		}
	}

	vecsByID, err := s.fetchSuffixVectors(ctx, device, suffix)
	if err != nil {
		return err
	}

	theta := boundaryThreshold(suffix, vecsByID)
	segs := s.splitByBoundaries(suffix, vecsByID, theta)
	segs = mergeAdjacentByCentroid(segs, suffix, vecsByID, theta/2)
	segs = s.absorbSmallSegments(segs, suffix)

	assignments := make(map[string]int, len(suffix))
	events := make([]domain.SegmentEvent, 0, len(segs))
	for k, seg := range segs {
		id := maxID + 1 + k
		paths := make([]string, 0, len(seg))
		for _, idx := range seg {
			assignments[suffix[idx].Path] = id
			paths = append(paths, suffix[idx].Path)
		}
		events = append(events, domain.SegmentEvent{
			Device:    device,
			Date:      date,
			SegmentID: id,
			Paths:     paths,
		})
	}

	if err := s.records.AssignSegments(dbctx.Context{Ctx: ctx}, device, date, assignments); err != nil {
		return err
	}
	s.log.Info("resegmented", "device", device, "date", date, "segments", len(segs), "assets", len(suffix), "theta", theta)

	// Events are best effort; a missed one costs a description refresh,
	// not data.
	for _, ev := range events {
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.Warn("segment event publish failed", "device", device, "date", date, "segment", ev.SegmentID, "error", err)
		}
	}
	return nil
}

func (s *Segmenter) fetchSuffixVectors(ctx context.Context, device string, suffix []*domain.AssetRecord) (map[string][]float32, error) {
	ids := make([]string, 0, len(suffix))
	for _, r := range suffix {
		ids = append(ids, vector.ToID(r.Path))
	}
	vecs, err := s.index.FetchVectors(ctx, device, s.model, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(vecs))
	for _, v := range vecs {
		if len(v.Values) > 0 {
			out[v.ID] = v.Values
		}
	}
	return out, nil
}

// boundaryThreshold derives theta from the consecutive embedding
// distances of the suffix: mean plus 1.5 standard deviations, floored.
// Too few samples for a stable estimate fall back to the floor.
func boundaryThreshold(suffix []*domain.AssetRecord, vecs map[string][]float32) float64 {
	var dists []float64
	for i := 1; i < len(suffix); i++ {
		a := vecs[vector.ToID(suffix[i-1].Path)]
		b := vecs[vector.ToID(suffix[i].Path)]
		if a == nil || b == nil || len(a) != len(b) {
			continue
		}
		dists = append(dists, l2Dist(a, b))
	}
	if len(dists) < 2 {
		return thetaFloor
	}
	var mean float64
	for _, d := range dists {
		mean += d
	}
	mean /= float64(len(dists))
	var variance float64
	for _, d := range dists {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(dists))
	theta := mean + thetaStdFactor*math.Sqrt(variance)
	if theta < thetaFloor {
		theta = thetaFloor
	}
	return theta
}

func (s *Segmenter) splitByBoundaries(suffix []*domain.AssetRecord, vecs map[string][]float32, theta float64) [][]int {
	gapMillis := s.gap.Milliseconds()
	var segs [][]int
	cur := []int{0}
	for i := 1; i < len(suffix); i++ {
		timeBreak := suffix[i].CaptureTime-suffix[i-1].CaptureTime > gapMillis
		visualBreak := false
		a := vecs[vector.ToID(suffix[i-1].Path)]
		b := vecs[vector.ToID(suffix[i].Path)]
		if a != nil && b != nil && len(a) == len(b) {
			visualBreak = l2Dist(a, b) > theta
		}
		if timeBreak || visualBreak {
			segs = append(segs, cur)
			cur = nil
		}
		cur = append(cur, i)
	}
	return append(segs, cur)
}

// mergeAdjacentByCentroid folds neighbors whose centroids sit closer than
// the given radius; an over-sensitive visual boundary inside one scene
// gets undone here.
func mergeAdjacentByCentroid(segs [][]int, suffix []*domain.AssetRecord, vecs map[string][]float32, radius float64) [][]int {
	for changed := true; changed; {
		changed = false
		for k := 0; k+1 < len(segs); k++ {
			c1 := centroid(segs[k], suffix, vecs)
			c2 := centroid(segs[k+1], suffix, vecs)
			if c1 == nil || c2 == nil || len(c1) != len(c2) {
				continue
			}
			if l2Dist(c1, c2) <= radius {
				segs[k] = append(segs[k], segs[k+1]...)
				segs = append(segs[:k+1], segs[k+2:]...)
				changed = true
				break
			}
		}
	}
	return segs
}

// absorbSmallSegments merges runts backward into the previous segment
// when only a visual boundary separates them; a genuine time gap keeps
// even a single photo as its own segment. Only a runt opening the day,
// with no previous segment to join, merges forward.
func (s *Segmenter) absorbSmallSegments(segs [][]int, suffix []*domain.AssetRecord) [][]int {
	gapMillis := s.gap.Milliseconds()
	boundaryGap := func(left, right []int) int64 {
		return suffix[right[0]].CaptureTime - suffix[left[len(left)-1]].CaptureTime
	}
	for changed := true; changed; {
		changed = false
		for k := 0; k < len(segs); k++ {
			if len(segs[k]) >= minSegmentSize {
				continue
			}
			if k > 0 && boundaryGap(segs[k-1], segs[k]) < gapMillis {
				segs[k-1] = append(segs[k-1], segs[k]...)
				segs = append(segs[:k], segs[k+1:]...)
				changed = true
				break
			}
			if k == 0 && len(segs) > 1 && boundaryGap(segs[0], segs[1]) < gapMillis {
				segs[0] = append(segs[0], segs[1]...)
				segs = append(segs[:1], segs[2:]...)
				changed = true
				break
			}
		}
	}
	return segs
}

func centroid(seg []int, suffix []*domain.AssetRecord, vecs map[string][]float32) []float32 {
	var sum []float64
	count := 0
	for _, idx := range seg {
		v := vecs[vector.ToID(suffix[idx].Path)]
		if v == nil {
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

func l2Dist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
