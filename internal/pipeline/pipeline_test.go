package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/yungbote/lifelog-backend/internal/assets"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	"github.com/yungbote/lifelog-backend/internal/data/repos/testutil"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/localmedia"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
	"github.com/yungbote/lifelog-backend/internal/vision"
)

type stubRegistry struct{}

func (stubRegistry) Ensure(_ context.Context, deviceID string) (*domain.Device, error) {
	return &domain.Device{DeviceID: deviceID}, nil
}
func (stubRegistry) Transform(_ context.Context, _ string, v []float32) ([]float32, error) {
	out := make([]float32, len(v))
	copy(out, v)
	return out, nil
}
func (stubRegistry) Whitelist(context.Context, string) ([]domain.WhitelistFace, error) {
	return nil, nil
}
func (stubRegistry) AddWhitelistFace(context.Context, string, domain.WhitelistFace) error {
	return nil
}
func (stubRegistry) RemoveWhitelistFace(context.Context, string, string) error { return nil }
func (stubRegistry) SetPublicKey(context.Context, string, string) error        { return nil }
func (stubRegistry) PublicKey(context.Context, string) (string, error)         { return "", nil }

type stubEmbedder struct{}

func (stubEmbedder) EncodeImage(context.Context, []byte) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}
func (stubEmbedder) EncodeText(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}
func (stubEmbedder) Model() string { return "clip" }
func (stubEmbedder) Dim() int      { return 4 }

type stubDetector struct{}

func (stubDetector) DetectObjects(context.Context, []byte) ([]domain.Detection, error) {
	return nil, nil
}

type stubFaces struct{}

func (stubFaces) DetectFaces(context.Context, []byte) ([]domain.FaceDetection, error) {
	return nil, nil
}

// stubMasker always masks the top-left quadrant so redaction has work.
type stubMasker struct{ w, h int }

func (m stubMasker) SegmentMask(context.Context, []byte, []string) (*vision.Mask, error) {
	mask := vision.NewMask(m.w, m.h)
	mask.SetRect(0, 0, m.w/2, m.h/2, true)
	return mask, nil
}

type noopIndex struct{ upserts []string }

func (n *noopIndex) EnsureCollection(context.Context, string, string, int) error { return nil }
func (n *noopIndex) Upsert(_ context.Context, _, model string, vecs []vector.Vector) error {
	for _, v := range vecs {
		n.upserts = append(n.upserts, model+"/"+v.ID)
	}
	return nil
}
func (n *noopIndex) QueryMatches(context.Context, string, string, []float32, int) ([]vector.Match, error) {
	return nil, nil
}
func (n *noopIndex) FetchVectors(context.Context, string, string, []string) ([]vector.Vector, error) {
	return nil, nil
}
func (n *noopIndex) ListIDs(context.Context, string, string) ([]string, error) { return nil, nil }
func (n *noopIndex) ListPayloads(context.Context, string, string) ([]vector.Vector, error) {
	return nil, nil
}
func (n *noopIndex) DeleteIDs(context.Context, string, string, []string) error { return nil }
func (n *noopIndex) DropCollection(context.Context, string, string) error      { return nil }

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 9), B: 120, A: 255})
		}
	}
	raw, err := assets.EncodeJPEG(img, 90)
	if err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return raw
}

func newTestPipeline(t *testing.T, w, h int) (*Pipeline, assets.Store, assetrepo.AssetRecordRepo, *noopIndex) {
	t.Helper()
	db := testutil.DB(t)
	log := newTestLogger(t)
	store := assets.NewStoreAt(log, t.TempDir(), t.TempDir())
	records := assetrepo.NewAssetRecordRepo(db, log)
	idx := &noopIndex{}
	p, err := New(log, Options{
		Store:    store,
		Records:  records,
		Registry: stubRegistry{},
		Embedder: stubEmbedder{},
		Detector: stubDetector{},
		Faces:    stubFaces{},
		Masker:   stubMasker{w: w, h: h},
		Index:    idx,
		Media:    localmedia.New(log),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, store, records, idx
}

func TestProcessLeavesOriginalBytesUntouched(t *testing.T) {
	device := fmt.Sprintf("pipe-%d", time.Now().UnixNano())
	p, store, records, idx := newTestPipeline(t, 32, 24)
	ctx := context.Background()
	db := testutil.DB(t)

	capture := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	rec := testutil.SeedAsset(t, ctx, db, device, capture)
	original := testJPEG(t, 32, 24)
	if _, err := store.Put(ctx, device, rec.Path, original); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := p.Process(ctx, device, rec.Path); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The privacy mask is non-empty, so redaction ran; the stored asset
	// must still be byte-identical, with the redacted render confined to
	// the thumbnail.
	after, err := store.Open(device, rec.Path)
	if err != nil {
		t.Fatalf("open after process: %v", err)
	}
	if !bytes.Equal(original, after) {
		t.Fatalf("original asset bytes changed during processing: len before=%d after=%d", len(original), len(after))
	}
	if !store.ThumbnailExists(device, rec.Path) {
		t.Fatalf("thumbnail missing after process")
	}

	got, err := records.GetByPath(dbctx.Context{Ctx: ctx}, device, rec.Path)
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if !got.Detected || !got.Redacted || !got.Embedded {
		t.Fatalf("stage flags: want all true, got detected=%v redacted=%v embedded=%v", got.Detected, got.Redacted, got.Embedded)
	}
	if len(idx.upserts) == 0 {
		t.Fatalf("embedding never reached the index")
	}
}
