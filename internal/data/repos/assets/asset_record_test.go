package assets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	"github.com/yungbote/lifelog-backend/internal/data/repos/testutil"
	"github.com/yungbote/lifelog-backend/internal/domain"
)

func TestAssetRecordRepoCreateIfAbsent(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewAssetRecordRepo(db, testutil.Logger(t))

	capture := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	rec := &domain.AssetRecord{
		Device:      "dev-a",
		Path:        domain.CanonicalRelPath(capture, ".jpg"),
		Date:        domain.DateOf(capture),
		Hour:        "09",
		CaptureTime: capture.UnixMilli(),
		Kind:        string(domain.AssetImage),
	}
	created, isNew, err := repo.CreateIfAbsent(dbc, rec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !isNew {
		t.Fatalf("isNew: want=true got=false")
	}

	if err := repo.SetStage(dbc, "dev-a", rec.Path, StageDetected); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	// A second ingest of the same (device, path) must not reset anything.
	dup := &domain.AssetRecord{
		Device:      "dev-a",
		Path:        rec.Path,
		Date:        rec.Date,
		Hour:        rec.Hour,
		CaptureTime: rec.CaptureTime,
		Kind:        rec.Kind,
	}
	existing, isNew, err := repo.CreateIfAbsent(dbc, dup)
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if isNew {
		t.Fatalf("isNew on duplicate: want=false got=true")
	}
	if existing.ID != created.ID {
		t.Fatalf("ID: want=%v got=%v", created.ID, existing.ID)
	}
	if !existing.Detected {
		t.Fatalf("Detected survived re-ingest: want=true got=false")
	}
}

func TestAssetRecordRepoStageFlags(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewAssetRecordRepo(db, testutil.Logger(t))

	rec := testutil.SeedAsset(t, ctx, tx, "dev-b", time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))

	if err := repo.SetStage(dbc, "dev-b", rec.Path, "embedded"); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if err := repo.SetStage(dbc, "dev-b", rec.Path, "bogus"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}

	got, err := repo.GetByPath(dbc, "dev-b", rec.Path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Detected || got.Redacted || !got.Embedded {
		t.Fatalf("flags: want=(false,false,true) got=(%v,%v,%v)", got.Detected, got.Redacted, got.Embedded)
	}

	incomplete, err := repo.ListIncomplete(dbc, "dev-b", 0)
	if err != nil {
		t.Fatalf("list incomplete: %v", err)
	}
	if len(incomplete) != 1 {
		t.Fatalf("incomplete count: want=1 got=%d", len(incomplete))
	}
}

func TestAssetRecordRepoSegments(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewAssetRecordRepo(db, testutil.Logger(t))

	base := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	a := testutil.SeedAsset(t, ctx, tx, "dev-c", base)
	b := testutil.SeedAsset(t, ctx, tx, "dev-c", base.Add(30*time.Second))
	c := testutil.SeedAsset(t, ctx, tx, "dev-c", base.Add(10*time.Minute))

	maxID, err := repo.MaxSegmentID(dbc, "dev-c", a.Date)
	if err != nil {
		t.Fatalf("max segment: %v", err)
	}
	if maxID != -1 {
		t.Fatalf("max segment before assign: want=-1 got=%d", maxID)
	}

	err = repo.AssignSegments(dbc, "dev-c", a.Date, map[string]int{
		a.Path: 0,
		b.Path: 0,
		c.Path: 1,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	rows, err := repo.ListByDeviceDate(dbc, "dev-c", a.Date, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows: want=3 got=%d", len(rows))
	}
	for i, want := range []int{0, 0, 1} {
		if rows[i].SegmentID == nil || *rows[i].SegmentID != want {
			t.Fatalf("segment[%d]: want=%d got=%v", i, want, rows[i].SegmentID)
		}
	}
	if rows[0].Path != a.Path || rows[2].Path != c.Path {
		t.Fatalf("capture order not preserved")
	}

	maxID, err = repo.MaxSegmentID(dbc, "dev-c", a.Date)
	if err != nil {
		t.Fatalf("max segment: %v", err)
	}
	if maxID != 1 {
		t.Fatalf("max segment: want=1 got=%d", maxID)
	}
}

func TestAssetRecordRepoTombstones(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewAssetRecordRepo(db, testutil.Logger(t))

	base := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)
	a := testutil.SeedAsset(t, ctx, tx, "dev-d", base)
	b := testutil.SeedAsset(t, ctx, tx, "dev-d", base.Add(time.Minute))

	deleteTime := base.Add(time.Hour).UnixMilli()
	n, err := repo.MarkDeleted(dbc, "dev-d", []string{a.Path}, deleteTime)
	if err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted rows: want=1 got=%d", n)
	}

	// Marking again is a no-op, the original delete_time stands.
	n, err = repo.MarkDeleted(dbc, "dev-d", []string{a.Path}, deleteTime+5000)
	if err != nil {
		t.Fatalf("re-mark deleted: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-deleted rows: want=0 got=%d", n)
	}

	live, err := repo.ListByDeviceDate(dbc, "dev-d", a.Date, false)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 1 || live[0].Path != b.Path {
		t.Fatalf("live rows: want only %q got %d rows", b.Path, len(live))
	}

	expired, err := repo.ListExpired(dbc, deleteTime+1, 0)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].Path != a.Path {
		t.Fatalf("expired rows: want only %q got %d rows", a.Path, len(expired))
	}

	n, err = repo.Restore(dbc, "dev-d", []string{a.Path})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored rows: want=1 got=%d", n)
	}
	got, err := repo.GetByPath(dbc, "dev-d", a.Path)
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if got.Deleted || got.DeleteTime != nil {
		t.Fatalf("restore left tombstone: deleted=%v delete_time=%v", got.Deleted, got.DeleteTime)
	}

	if err := repo.HardDelete(dbc, "dev-d", []string{a.Path, b.Path}); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := repo.GetByPath(dbc, "dev-d", a.Path); err == nil {
		t.Fatalf("expected not found after hard delete")
	}
}

func TestAssetRecordRepoSetActivity(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewAssetRecordRepo(db, testutil.Logger(t))

	base := time.Date(2025, 6, 5, 10, 0, 0, 0, time.UTC)
	a := testutil.SeedAsset(t, ctx, tx, "dev-e", base)
	b := testutil.SeedAsset(t, ctx, tx, "dev-e", base.Add(time.Minute))
	other := testutil.SeedAsset(t, ctx, tx, "dev-e", base.Add(2*time.Minute))
	date := domain.DateOf(base)
	if err := repo.AssignSegments(dbc, "dev-e", date, map[string]int{
		a.Path:     0,
		b.Path:     0,
		other.Path: 1,
	}); err != nil {
		t.Fatalf("assign segments: %v", err)
	}

	n, err := repo.SetActivity(dbc, "dev-e", date, 0, "cooking", "making breakfast")
	if err != nil {
		t.Fatalf("set activity: %v", err)
	}
	if n != 2 {
		t.Fatalf("updated rows: want=2 got=%d", n)
	}
	got, err := repo.GetByPath(dbc, "dev-e", a.Path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Activity != "cooking" || got.ActivityDescription != "making breakfast" {
		t.Fatalf("activity: got=%q/%q", got.Activity, got.ActivityDescription)
	}
	untouched, err := repo.GetByPath(dbc, "dev-e", other.Path)
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if untouched.Activity != "" {
		t.Fatalf("segment 1 must be untouched, got activity=%q", untouched.Activity)
	}
}

func TestAssetRecordRepoListDeleted(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewAssetRecordRepo(db, testutil.Logger(t))

	base := time.Date(2025, 6, 6, 10, 0, 0, 0, time.UTC)
	live := testutil.SeedAsset(t, ctx, tx, "dev-f", base)
	gone := testutil.SeedAsset(t, ctx, tx, "dev-f", base.Add(time.Minute))
	if _, err := repo.MarkDeleted(dbc, "dev-f", []string{gone.Path}, base.UnixMilli()); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	recs, err := repo.ListDeleted(dbc, "dev-f")
	if err != nil {
		t.Fatalf("list deleted: %v", err)
	}
	if len(recs) != 1 || recs[0].Path != gone.Path {
		t.Fatalf("deleted listing: want=[%s] got=%d entries", gone.Path, len(recs))
	}
	for _, r := range recs {
		if r.Path == live.Path {
			t.Fatalf("live record leaked into trash listing")
		}
	}
}

func TestAssetRecordRepoListByTimeRange(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewAssetRecordRepo(db, testutil.Logger(t))

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		capture := base.Add(time.Duration(i) * time.Hour)
		rec := &domain.AssetRecord{
			Device:      "dev-range",
			Path:        domain.CanonicalRelPath(capture, ".jpg"),
			Date:        domain.DateOf(capture),
			Hour:        capture.Format("15"),
			CaptureTime: capture.UnixMilli(),
			Kind:        string(domain.AssetImage),
		}
		if _, _, err := repo.CreateIfAbsent(dbc, rec); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	if _, err := repo.MarkDeleted(dbc, "dev-range", []string{domain.CanonicalRelPath(base.Add(time.Hour), ".jpg")}, base.UnixMilli()); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	got, err := repo.ListByTimeRange(dbc, "dev-range", base.UnixMilli(), base.Add(2*time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Three records fall in range; one of them is tombstoned.
	if len(got) != 2 {
		t.Fatalf("len: want=2 got=%d", len(got))
	}
	if got[0].CaptureTime > got[1].CaptureTime {
		t.Fatalf("order: want capture ascending")
	}

	if _, err := repo.ListByTimeRange(dbc, "dev-range", 10, 5); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("inverted range: want=ErrInvalidInput got=%v", err)
	}
}
