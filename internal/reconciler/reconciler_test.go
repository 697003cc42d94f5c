package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/lifelog-backend/internal/assets"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	devicerepo "github.com/yungbote/lifelog-backend/internal/data/repos/devices"
	"github.com/yungbote/lifelog-backend/internal/data/repos/testutil"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

var sweepBase = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu        sync.Mutex
	cleanups  []string
	processed []string
}

func (f *fakeProcessor) Process(_ context.Context, device, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, device+"/"+path)
	return nil
}

func (f *fakeProcessor) didProcess(device, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.processed {
		if p == device+"/"+path {
			return true
		}
	}
	return false
}

func (f *fakeProcessor) Cleanup(_ context.Context, device, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, device+"/"+path)
	return nil
}

func (f *fakeProcessor) cleaned(device, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cleanups {
		if c == device+"/"+path {
			return true
		}
	}
	return false
}

type fakeIndex struct {
	mu       sync.Mutex
	ids      map[string][]string
	payloads map[string][]vector.Vector
	deleted  map[string][]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		ids:      make(map[string][]string),
		payloads: make(map[string][]vector.Vector),
		deleted:  make(map[string][]string),
	}
}

func (f *fakeIndex) EnsureCollection(context.Context, string, string, int) error { return nil }
func (f *fakeIndex) Upsert(context.Context, string, string, []vector.Vector) error {
	return nil
}
func (f *fakeIndex) QueryMatches(context.Context, string, string, []float32, int) ([]vector.Match, error) {
	return nil, nil
}
func (f *fakeIndex) FetchVectors(context.Context, string, string, []string) ([]vector.Vector, error) {
	return nil, nil
}
func (f *fakeIndex) ListIDs(_ context.Context, _, model string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[model], nil
}
func (f *fakeIndex) ListPayloads(_ context.Context, _, model string) ([]vector.Vector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[model], nil
}
func (f *fakeIndex) DeleteIDs(_ context.Context, _, model string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[model] = append(f.deleted[model], ids...)
	return nil
}
func (f *fakeIndex) DropCollection(context.Context, string, string) error { return nil }

func (f *fakeIndex) deletedFrom(model string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted[model]...)
}

type fakeSegmenter struct {
	mu    sync.Mutex
	dates []string
}

func (f *fakeSegmenter) Resegment(_ context.Context, device, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dates = append(f.dates, device+"/"+date)
	return nil
}

type fixture struct {
	rec   *Reconciler
	store assets.Store
	repo  assetrepo.AssetRecordRepo
	proc  *fakeProcessor
	index *fakeIndex
	seg   *fakeSegmenter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	store := assets.NewStoreAt(log, t.TempDir(), t.TempDir())
	repo := assetrepo.NewAssetRecordRepo(db, log)
	proc := &fakeProcessor{}
	index := newFakeIndex()
	seg := &fakeSegmenter{}
	rec := New(log, Options{
		Store:      store,
		Records:    repo,
		Devices:    devicerepo.NewDeviceRepo(db, log),
		Processor:  proc,
		Index:      index,
		Segmenter:  seg,
		EmbedModel: "clip",
		FaceModel:  "face",
	})
	rec.now = func() time.Time { return sweepBase }
	return &fixture{rec: rec, store: store, repo: repo, proc: proc, index: index, seg: seg}
}

func uniqueDevice(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestSyncDeviceReingestsOrphanBytes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("orphan-bytes")
	relpath := "2024-06-01/20240601_120000.jpg"

	if _, err := fx.store.Put(ctx, device, relpath, []byte("bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fx.rec.syncDevice(ctx, device)

	if !fx.store.Exists(device, relpath) {
		t.Fatalf("orphan bytes must survive re-ingestion")
	}
	rec, err := fx.repo.GetByPath(dbctx.Context{Ctx: ctx}, device, relpath)
	if err != nil {
		t.Fatalf("GetByPath after re-ingest: %v", err)
	}
	if rec.Date != "2024-06-01" || rec.Hour != "12" {
		t.Fatalf("re-ingested record placement: want date=2024-06-01 hour=12 got date=%s hour=%s", rec.Date, rec.Hour)
	}
	if !fx.proc.didProcess(device, relpath) {
		t.Fatalf("re-ingested orphan must go back through the stage chain")
	}
}

func TestSyncDeviceRemovesUnidentifiableOrphanBytes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("orphan-junk")
	relpath := "2024-06-01/notes.txt"

	if _, err := fx.store.Put(ctx, device, relpath, []byte("bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fx.rec.syncDevice(ctx, device)

	if fx.store.Exists(device, relpath) {
		t.Fatalf("bytes without a parseable capture stamp should have been deleted")
	}
	if fx.proc.didProcess(device, relpath) {
		t.Fatalf("unidentifiable bytes must not be processed")
	}
}

func TestRepairIncompleteReprocessesStalledRecords(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("repair")
	dbc := dbctx.Context{Ctx: ctx}

	stalled := testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-2*time.Hour))
	done := testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-time.Hour))
	if err := fx.repo.UpdateFields(dbc, device, done.Path, map[string]interface{}{
		"detected": true, "redacted": true, "embedded": true,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	fx.rec.repairIncomplete(ctx, device)

	if !fx.proc.didProcess(device, stalled.Path) {
		t.Fatalf("record with missing stages must be reprocessed")
	}
	if fx.proc.didProcess(device, done.Path) {
		t.Fatalf("fully processed record must not be reprocessed")
	}
}

func TestSyncDeviceCleansRecordWithoutBytes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("orphan-record")

	rec := testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-time.Hour))

	fx.rec.syncDevice(ctx, device)

	if !fx.proc.cleaned(device, rec.Path) {
		t.Fatalf("record without bytes should have been cleaned up")
	}
}

func TestSyncDeviceKeepsConsistentAsset(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("consistent")

	rec := testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-time.Hour))
	if _, err := fx.store.Put(ctx, device, rec.Path, []byte("bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fx.rec.syncDevice(ctx, device)

	if !fx.store.Exists(device, rec.Path) {
		t.Fatalf("consistent asset bytes must survive the sweep")
	}
	if fx.proc.cleaned(device, rec.Path) {
		t.Fatalf("consistent asset must not be cleaned up")
	}
}

func TestSyncDevicePrunesStaleVectors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("stale-vectors")

	rec := testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-time.Hour))
	if _, err := fx.store.Put(ctx, device, rec.Path, []byte("bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	liveID := vector.ToID(rec.Path)
	fx.index.ids["clip"] = []string{liveID, "2024-01-01_20240101_000000.jpg"}
	fx.index.payloads["face"] = []vector.Vector{
		{ID: liveID + "_face_0", Metadata: map[string]any{"path": rec.Path, "whitelist": true}},
		{ID: "gone_face_0", Metadata: map[string]any{"path": "2024-01-01/20240101_000000.jpg"}},
	}

	fx.rec.syncDevice(ctx, device)

	gotMain := fx.index.deletedFrom("clip")
	if len(gotMain) != 1 || gotMain[0] != "2024-01-01_20240101_000000.jpg" {
		t.Fatalf("main prune: want the stale id only, got=%v", gotMain)
	}
	gotFace := fx.index.deletedFrom("face")
	if len(gotFace) != 1 || gotFace[0] != "gone_face_0" {
		t.Fatalf("face prune: want the stale face only, got=%v", gotFace)
	}
}

func TestAgeFacesExpiresUnlistedOnly(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("face-age")

	old := sweepBase.Add(-2 * time.Hour).UnixMilli()
	fresh := sweepBase.Add(-10 * time.Minute).UnixMilli()
	fx.index.payloads["face"] = []vector.Vector{
		{ID: "old-unlisted", Metadata: map[string]any{"whitelist": false, "timestamp": float64(old)}},
		{ID: "old-listed", Metadata: map[string]any{"whitelist": true, "timestamp": float64(old)}},
		{ID: "fresh-unlisted", Metadata: map[string]any{"whitelist": false, "timestamp": float64(fresh)}},
	}

	fx.rec.ageFaces(ctx, device)

	got := fx.index.deletedFrom("face")
	if len(got) != 1 || got[0] != "old-unlisted" {
		t.Fatalf("face aging: want=[old-unlisted] got=%v", got)
	}
}

func TestPurgeExpiredHonorsRetention(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("retention")

	expired := testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-40*24*time.Hour))
	recent := testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-2*24*time.Hour))

	dbc := dbctx.Context{Ctx: ctx}
	if _, err := fx.repo.MarkDeleted(dbc, device, []string{expired.Path}, sweepBase.Add(-31*24*time.Hour).UnixMilli()); err != nil {
		t.Fatalf("MarkDeleted expired: %v", err)
	}
	if _, err := fx.repo.MarkDeleted(dbc, device, []string{recent.Path}, sweepBase.Add(-24*time.Hour).UnixMilli()); err != nil {
		t.Fatalf("MarkDeleted recent: %v", err)
	}

	fx.rec.purgeExpired(ctx)

	if !fx.proc.cleaned(device, expired.Path) {
		t.Fatalf("asset past retention must be purged")
	}
	if fx.proc.cleaned(device, recent.Path) {
		t.Fatalf("asset inside retention must not be purged")
	}
}

func TestRefreshSegmentsVisitsEveryDate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	device := uniqueDevice("refresh")

	testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-48*time.Hour))
	testutil.SeedAsset(t, ctx, testutil.DB(t), device, sweepBase.Add(-24*time.Hour))

	fx.rec.refreshSegments(ctx, device)

	fx.seg.mu.Lock()
	defer fx.seg.mu.Unlock()
	if len(fx.seg.dates) != 2 {
		t.Fatalf("resegment calls: want=2 got=%v", fx.seg.dates)
	}
}
