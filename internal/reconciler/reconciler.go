package reconciler

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"time"

	"github.com/yungbote/lifelog-backend/internal/assets"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	devicerepo "github.com/yungbote/lifelog-backend/internal/data/repos/devices"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/pipeline"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

const (
	// DefaultInterval is the pause between reconcile sweeps.
	DefaultInterval = time.Hour
	// DefaultRetention is how long tombstoned assets keep their bytes
	// before physical deletion.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultFaceMaxAge is how long face embeddings of people not on the
	// whitelist may stay in the index.
	DefaultFaceMaxAge = time.Hour

	retentionBatch = 500
	repairBatch    = 200
)

// Resegmenter recomputes segment ids for one device-date.
type Resegmenter interface {
	Resegment(ctx context.Context, device, date string) error
}

type Options struct {
	Store      assets.Store
	Records    assetrepo.AssetRecordRepo
	Devices    devicerepo.DeviceRepo
	Processor  pipeline.Processor
	Index      vector.Index
	Segmenter  Resegmenter
	EmbedModel string
	FaceModel  string

	Interval   time.Duration
	Retention  time.Duration
	FaceMaxAge time.Duration
}

// Reconciler repairs drift between the three stores of truth: bytes on
// disk, rows in the record store, and vectors in the index. It also
// enforces the deletion retention window and expires face embeddings of
// people who never made the whitelist.
type Reconciler struct {
	log        *logger.Logger
	store      assets.Store
	records    assetrepo.AssetRecordRepo
	devices    devicerepo.DeviceRepo
	proc       pipeline.Processor
	index      vector.Index
	segmenter  Resegmenter
	embedModel string
	faceModel  string

	interval   time.Duration
	retention  time.Duration
	faceMaxAge time.Duration

	now func() time.Time
}

func New(log *logger.Logger, opts Options) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = envutil.Duration("RECONCILE_INTERVAL", DefaultInterval)
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = envutil.Duration("DELETE_RETENTION", DefaultRetention)
	}
	faceMaxAge := opts.FaceMaxAge
	if faceMaxAge <= 0 {
		faceMaxAge = envutil.Duration("FACE_MAX_AGE", DefaultFaceMaxAge)
	}
	return &Reconciler{
		log:        log.With("service", "Reconciler"),
		store:      opts.Store,
		records:    opts.Records,
		devices:    opts.Devices,
		proc:       opts.Processor,
		index:      opts.Index,
		segmenter:  opts.Segmenter,
		embedModel: opts.EmbedModel,
		faceModel:  opts.FaceModel,
		interval:   interval,
		retention:  retention,
		faceMaxAge: faceMaxAge,
		now:        time.Now,
	}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs every reconcile phase across every known device. Phases are
// independent; one failing device or phase never blocks the rest.
func (r *Reconciler) Sweep(ctx context.Context) {
	start := r.now()
	r.purgeExpired(ctx)
	for _, device := range r.knownDevices(ctx) {
		if ctx.Err() != nil {
			return
		}
		r.syncDevice(ctx, device)
		r.repairIncomplete(ctx, device)
		r.ageFaces(ctx, device)
		r.refreshSegments(ctx, device)
	}
	r.log.Info("reconcile sweep finished", "elapsed", r.now().Sub(start).String())
}

// knownDevices unions registered devices with device directories found on
// disk, so orphan bytes of a never-registered device still get swept.
func (r *Reconciler) knownDevices(ctx context.Context) []string {
	seen := make(map[string]struct{})
	if devs, err := r.devices.List(dbctx.Context{Ctx: ctx}); err != nil {
		r.log.Error("list devices", "error", err)
	} else {
		for _, d := range devs {
			seen[d.DeviceID] = struct{}{}
		}
	}
	if dirs, err := r.store.ListDevices(); err != nil {
		r.log.Error("list device directories", "error", err)
	} else {
		for _, d := range dirs {
			seen[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// syncDevice is the three-way sync for one device: disk files without a
// record are re-ingested through the stage chain, records without bytes
// get fully cleaned up, and index entries without a record are deleted.
func (r *Reconciler) syncDevice(ctx context.Context, device string) {
	paths, err := r.records.ListPaths(dbctx.Context{Ctx: ctx}, device)
	if err != nil {
		r.log.Error("list record paths", "device", device, "error", err)
		return
	}
	recorded := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		recorded[p] = struct{}{}
	}

	onDisk, err := r.store.ListAssets(device)
	if err != nil {
		r.log.Error("list disk assets", "device", device, "error", err)
		return
	}
	diskSet := make(map[string]struct{}, len(onDisk))
	for _, p := range onDisk {
		diskSet[p] = struct{}{}
		if _, ok := recorded[p]; ok {
			continue
		}
		r.reingestOrphan(ctx, device, p)
	}

	for _, p := range paths {
		if _, ok := diskSet[p]; ok {
			continue
		}
		r.log.Warn("record has no bytes, cleaning up", "device", device, "path", p)
		if err := r.proc.Cleanup(ctx, device, p); err != nil {
			r.log.Error("cleanup recordless asset", "device", device, "path", p, "error", err)
		}
	}

	r.pruneIndex(ctx, device, recorded)
}

// reingestOrphan adopts bytes that have no record: the shadow row is
// recreated from the canonical path and the asset goes back through the
// stage chain from the start. Bytes whose name does not parse cannot be
// placed on the timeline and are removed instead.
func (r *Reconciler) reingestOrphan(ctx context.Context, device, relpath string) {
	capture, err := domain.ParseCaptureTime(path.Base(relpath))
	if err != nil {
		r.log.Warn("removing unidentifiable orphan bytes", "device", device, "path", relpath)
		if err := r.store.Delete(device, relpath); err != nil {
			r.log.Error("delete orphan bytes", "device", device, "path", relpath, "error", err)
		}
		if err := r.store.DeleteThumbnail(device, relpath); err != nil {
			r.log.Error("delete orphan thumbnail", "device", device, "path", relpath, "error", err)
		}
		return
	}

	r.log.Warn("re-ingesting orphan asset bytes", "device", device, "path", relpath)
	rec := &domain.AssetRecord{
		Device:      device,
		Path:        relpath,
		Date:        domain.DateOf(capture),
		Hour:        capture.UTC().Format("15"),
		CaptureTime: domain.EpochMillis(capture),
		Kind:        string(domain.KindOf(relpath)),
	}
	if _, _, err := r.records.CreateIfAbsent(dbctx.Context{Ctx: ctx}, rec); err != nil {
		r.log.Error("recreate orphan record", "device", device, "path", relpath, "error", err)
		return
	}
	if err := r.proc.Process(ctx, device, relpath); err != nil {
		r.log.Error("process orphan asset", "device", device, "path", relpath, "error", err)
	}
}

// repairIncomplete re-runs the stage chain for records stuck with a
// stage flag still false. Completed stages short-circuit off their
// flags, so only the missing work actually reruns.
func (r *Reconciler) repairIncomplete(ctx context.Context, device string) {
	recs, err := r.records.ListIncomplete(dbctx.Context{Ctx: ctx}, device, repairBatch)
	if err != nil {
		r.log.Error("list incomplete records", "device", device, "error", err)
		return
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if err := r.proc.Process(ctx, rec.Device, rec.Path); err != nil {
			r.log.Error("repair incomplete asset", "device", device, "path", rec.Path, "error", err)
		}
	}
	if len(recs) > 0 {
		r.log.Info("repaired incomplete assets", "device", device, "count", len(recs))
	}
}

// pruneIndex drops vectors whose backing record is gone. The main
// collection is matched by id, the face collection by its path payload.
func (r *Reconciler) pruneIndex(ctx context.Context, device string, recorded map[string]struct{}) {
	ids, err := r.index.ListIDs(ctx, device, r.embedModel)
	if err != nil {
		r.log.Error("list index ids", "device", device, "error", err)
		return
	}
	wanted := make(map[string]struct{}, len(recorded))
	for p := range recorded {
		wanted[vector.ToID(p)] = struct{}{}
	}
	var stale []string
	for _, id := range ids {
		if _, ok := wanted[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		r.log.Info("pruning stale vectors", "device", device, "count", len(stale))
		if err := r.index.DeleteIDs(ctx, device, r.embedModel, stale); err != nil {
			r.log.Error("delete stale vectors", "device", device, "error", err)
		}
	}

	faces, err := r.index.ListPayloads(ctx, device, r.faceModel)
	if err != nil {
		r.log.Error("list face payloads", "device", device, "error", err)
		return
	}
	var staleFaces []string
	for _, f := range faces {
		p, _ := f.Metadata["path"].(string)
		if _, ok := recorded[p]; !ok {
			staleFaces = append(staleFaces, f.ID)
		}
	}
	if len(staleFaces) > 0 {
		r.log.Info("pruning stale face vectors", "device", device, "count", len(staleFaces))
		if err := r.index.DeleteIDs(ctx, device, r.faceModel, staleFaces); err != nil {
			r.log.Error("delete stale face vectors", "device", device, "error", err)
		}
	}
}

// purgeExpired physically deletes tombstoned assets whose retention
// window has lapsed, across all devices in one batched query.
func (r *Reconciler) purgeExpired(ctx context.Context) {
	cutoff := r.now().Add(-r.retention).UnixMilli()
	expired, err := r.records.ListExpired(dbctx.Context{Ctx: ctx}, cutoff, retentionBatch)
	if err != nil {
		r.log.Error("list expired records", "error", err)
		return
	}
	for _, rec := range expired {
		if ctx.Err() != nil {
			return
		}
		if err := r.proc.Cleanup(ctx, rec.Device, rec.Path); err != nil {
			r.log.Error("purge expired asset", "device", rec.Device, "path", rec.Path, "error", err)
		}
	}
	if len(expired) > 0 {
		r.log.Info("purged expired assets", "count", len(expired))
	}
}

// ageFaces expires face embeddings of people who stayed off the whitelist
// past the grace window. Whitelisted embeddings are kept indefinitely.
func (r *Reconciler) ageFaces(ctx context.Context, device string) {
	entries, err := r.index.ListPayloads(ctx, device, r.faceModel)
	if err != nil {
		r.log.Error("list face payloads", "device", device, "error", err)
		return
	}
	cutoff := r.now().Add(-r.faceMaxAge).UnixMilli()
	var aged []string
	for _, e := range entries {
		if whitelisted, _ := e.Metadata["whitelist"].(bool); whitelisted {
			continue
		}
		ts, ok := payloadMillis(e.Metadata["timestamp"])
		if !ok || ts >= cutoff {
			continue
		}
		aged = append(aged, e.ID)
	}
	if len(aged) == 0 {
		return
	}
	r.log.Info("expiring unlisted face embeddings", "device", device, "count", len(aged))
	if err := r.index.DeleteIDs(ctx, device, r.faceModel, aged); err != nil {
		r.log.Error("delete aged face vectors", "device", device, "error", err)
	}
}

// refreshSegments re-runs segmentation for every date that still has
// unassigned records; fully assigned dates return without touching ids.
func (r *Reconciler) refreshSegments(ctx context.Context, device string) {
	if r.segmenter == nil {
		return
	}
	dates, err := r.records.ListDates(dbctx.Context{Ctx: ctx}, device)
	if err != nil {
		r.log.Error("list dates", "device", device, "error", err)
		return
	}
	for _, date := range dates {
		if ctx.Err() != nil {
			return
		}
		if err := r.segmenter.Resegment(ctx, device, date); err != nil {
			r.log.Error("refresh segmentation", "device", device, "date", date, "error", err)
		}
	}
}

// payloadMillis tolerates the numeric types a JSON payload round-trip can
// produce for an epoch-millis field.
func payloadMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
