package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/yungbote/lifelog-backend/internal/assets"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	"github.com/yungbote/lifelog-backend/internal/devices"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/localmedia"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
	"github.com/yungbote/lifelog-backend/internal/vision"
)

// faceIDSep separates the asset id from the face ordinal in the face
// collection.
const faceIDSep = "_face_"

// Processor runs the per-asset stage chain.
type Processor interface {
	Process(ctx context.Context, device, path string) error
	Cleanup(ctx context.Context, device, path string) error
}

type Options struct {
	Store     assets.Store
	Records   assetrepo.AssetRecordRepo
	Registry  devices.Registry
	Embedder  vision.Embedder
	Detector  vision.Detector
	Faces     vision.FaceEngine
	Masker    vision.Masker
	Index     vector.Index
	Media     localmedia.Tools
	FaceModel string
	// PrivacyLabels defaults to DefaultPrivacyLabels when empty.
	PrivacyLabels []string
}

// Pipeline drives one asset through thumbnail, detection, redaction, and
// embedding. Every stage checks its flag first, so a crashed or partially
// failed run resumes exactly where it stopped.
type Pipeline struct {
	log       *logger.Logger
	store     assets.Store
	records   assetrepo.AssetRecordRepo
	registry  devices.Registry
	embedder  vision.Embedder
	detector  vision.Detector
	faces     vision.FaceEngine
	masker    vision.Masker
	index     vector.Index
	media     localmedia.Tools
	faceModel string
	labels    []string
}

func New(log *logger.Logger, opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Records == nil || opts.Registry == nil {
		return nil, errors.New("store, records, and registry are required")
	}
	if opts.Embedder == nil || opts.Detector == nil || opts.Faces == nil || opts.Masker == nil {
		return nil, errors.New("vision services are required")
	}
	if opts.Index == nil || opts.Media == nil {
		return nil, errors.New("index and media tools are required")
	}
	labels := opts.PrivacyLabels
	if len(labels) == 0 {
		labels = DefaultPrivacyLabels
	}
	faceModel := strings.TrimSpace(opts.FaceModel)
	if faceModel == "" {
		faceModel = "facenet512"
	}
	return &Pipeline{
		log:       log.With("service", "Pipeline"),
		store:     opts.Store,
		records:   opts.Records,
		registry:  opts.Registry,
		embedder:  opts.Embedder,
		detector:  opts.Detector,
		faces:     opts.Faces,
		masker:    opts.Masker,
		index:     opts.Index,
		media:     opts.Media,
		faceModel: faceModel,
		labels:    labels,
	}, nil
}

// Process runs all outstanding stages for one asset. A missing source
// file triggers full cleanup instead of an error: the record store led us
// here, so the disk is what drifted.
func (p *Pipeline) Process(ctx context.Context, device, path string) error {
	rec, err := p.records.GetByPath(dbctx.Context{Ctx: ctx}, device, path)
	if err != nil {
		return err
	}
	if !p.store.Exists(device, path) {
		p.log.Warn("asset bytes missing, cleaning up", "device", device, "path", path)
		return p.Cleanup(ctx, device, path)
	}

	work, err := p.workingImage(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrCorruptAsset) {
			p.log.Warn("corrupt asset, cleaning up", "device", device, "path", path, "error", err)
			if cleanErr := p.Cleanup(ctx, device, path); cleanErr != nil {
				return cleanErr
			}
			return err
		}
		return err
	}

	if err := p.ensureThumbnail(ctx, rec, work); err != nil {
		return err
	}

	if !rec.Detected {
		if err := p.runDetect(ctx, rec, work); err != nil {
			return fmt.Errorf("detect %s/%s: %w", device, path, err)
		}
		rec.Detected = true
	}

	if !rec.Redacted {
		redacted, err := p.runRedact(ctx, rec, work)
		if err != nil {
			return fmt.Errorf("redact %s/%s: %w", device, path, err)
		}
		if redacted != nil {
			work = redacted
		}
		rec.Redacted = true
	}

	if !rec.Embedded {
		if err := p.runEmbed(ctx, rec, work); err != nil {
			return fmt.Errorf("embed %s/%s: %w", device, path, err)
		}
		rec.Embedded = true
	}
	return nil
}

type workImage struct {
	img   image.Image
	bytes []byte
}

// workingImage yields the frame the vision stages operate on: the asset
// itself for photos, the first keyframe for videos.
func (p *Pipeline) workingImage(ctx context.Context, rec *domain.AssetRecord) (*workImage, error) {
	if rec.Kind == string(domain.AssetVideo) {
		framePath, cleanup, err := p.extractFrame(ctx, rec)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		raw, err := os.ReadFile(framePath)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		img, err := assets.DecodeImage(raw)
		if err != nil {
			return nil, err
		}
		return &workImage{img: img, bytes: raw}, nil
	}

	raw, err := p.store.Open(rec.Device, rec.Path)
	if err != nil {
		return nil, err
	}
	img, err := assets.DecodeImage(raw)
	if err != nil {
		return nil, err
	}
	return &workImage{img: img, bytes: raw}, nil
}

func (p *Pipeline) extractFrame(ctx context.Context, rec *domain.AssetRecord) (string, func(), error) {
	framePath, cleanup, err := p.media.WriteTempFile(ctx, []byte(rec.Device+"/"+rec.Path), ".jpg")
	if err != nil {
		return "", nil, err
	}
	if err := p.media.ExtractFirstFrame(ctx, p.store.AssetPath(rec.Device, rec.Path), framePath); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("%w: %v", domain.ErrCorruptAsset, err)
	}
	return framePath, cleanup, nil
}

func (p *Pipeline) ensureThumbnail(ctx context.Context, rec *domain.AssetRecord, work *workImage) error {
	if p.store.ThumbnailExists(rec.Device, rec.Path) && rec.ThumbnailPath != "" {
		return nil
	}
	webpBytes, err := assets.EncodeThumbnailWebP(work.img)
	if err != nil {
		return err
	}
	if err := p.store.PutThumbnail(ctx, rec.Device, rec.Path, webpBytes); err != nil {
		return err
	}
	rel := p.store.ThumbnailRelPath(rec.Path)
	if rec.ThumbnailPath != rel {
		if err := p.records.UpdateFields(dbctx.Context{Ctx: ctx}, rec.Device, rec.Path, map[string]interface{}{
			"thumbnail_path": rel,
		}); err != nil {
			return err
		}
		rec.ThumbnailPath = rel
	}
	return nil
}

// runDetect finds objects, then hunts faces inside every person box and
// resolves each face against the device whitelist.
func (p *Pipeline) runDetect(ctx context.Context, rec *domain.AssetRecord, work *workImage) error {
	detections, err := p.detector.DetectObjects(ctx, work.bytes)
	if err != nil {
		return err
	}

	whitelist, err := p.registry.Whitelist(ctx, rec.Device)
	if err != nil {
		return err
	}

	var people []domain.FaceDetection
	for _, d := range detections {
		if !strings.EqualFold(d.Label, "person") {
			continue
		}
		crop, offX, offY, ok := cropBox(work.img, d.BBox)
		if !ok {
			continue
		}
		cropBytes, err := assets.EncodeJPEG(crop, 90)
		if err != nil {
			return err
		}
		faces, err := p.faces.DetectFaces(ctx, cropBytes)
		if err != nil {
			return err
		}
		for _, f := range faces {
			f.BBox = [4]int{
				f.BBox[0] + offX,
				f.BBox[1] + offY,
				f.BBox[2] + offX,
				f.BBox[3] + offY,
			}
			if name, ok := devices.MatchWhitelist(whitelist, f.Embedding); ok {
				f.Label = name
			} else {
				f.Label = RedactedFaceLabel
			}
			people = append(people, f)
		}
	}

	if err := p.records.UpdateFields(dbctx.Context{Ctx: ctx}, rec.Device, rec.Path, map[string]interface{}{
		"objects": domain.MarshalDetections(detections),
		"people":  domain.MarshalFaces(people),
	}); err != nil {
		return err
	}
	rec.Objects = domain.MarshalDetections(detections)
	rec.People = domain.MarshalFaces(people)
	return p.records.SetStage(dbctx.Context{Ctx: ctx}, rec.Device, rec.Path, assetrepo.StageDetected)
}

// runRedact mosaics the union of unknown-face ovals and the privacy-label
// segmentation mask. Only the thumbnail carries the redacted render; the
// stored asset bytes are immutable once landed.
func (p *Pipeline) runRedact(ctx context.Context, rec *domain.AssetRecord, work *workImage) (*workImage, error) {
	people := rec.PeopleList()

	sam, err := p.masker.SegmentMask(ctx, work.bytes, p.labels)
	if err != nil {
		return nil, err
	}

	b := work.img.Bounds()
	mask := BuildRedactionMask(b.Dx(), b.Dy(), people, sam)

	out := work
	if mask.Any() {
		mosaiced := ApplyHexMosaic(work.img, mask)
		encoded, err := assets.EncodeJPEG(mosaiced, 92)
		if err != nil {
			return nil, err
		}
		out = &workImage{img: mosaiced, bytes: encoded}

		webpBytes, err := assets.EncodeThumbnailWebP(mosaiced)
		if err != nil {
			return nil, err
		}
		if err := p.store.PutThumbnail(ctx, rec.Device, rec.Path, webpBytes); err != nil {
			return nil, err
		}
	}

	if err := p.records.SetStage(dbctx.Context{Ctx: ctx}, rec.Device, rec.Path, assetrepo.StageRedacted); err != nil {
		return nil, err
	}
	return out, nil
}

// runEmbed writes the semantic vector and all face vectors, both rotated
// by the device transform before they leave the process.
func (p *Pipeline) runEmbed(ctx context.Context, rec *domain.AssetRecord, work *workImage) error {
	emb, err := p.embedder.EncodeImage(ctx, work.bytes)
	if err != nil {
		return err
	}
	rotated, err := p.registry.Transform(ctx, rec.Device, emb)
	if err != nil {
		return err
	}

	model := p.embedder.Model()
	if err := p.index.EnsureCollection(ctx, rec.Device, model, p.embedder.Dim()); err != nil {
		return err
	}
	id := vector.ToID(rec.Path)
	if err := p.index.Upsert(ctx, rec.Device, model, []vector.Vector{{
		ID:     id,
		Values: rotated,
		Metadata: map[string]any{
			"path":      rec.Path,
			"timestamp": rec.CaptureTime,
			"date":      rec.Date,
		},
	}}); err != nil {
		return err
	}

	if err := p.upsertFaces(ctx, rec, id); err != nil {
		return err
	}
	return p.records.SetStage(dbctx.Context{Ctx: ctx}, rec.Device, rec.Path, assetrepo.StageEmbedded)
}

func (p *Pipeline) upsertFaces(ctx context.Context, rec *domain.AssetRecord, baseID string) error {
	people := rec.PeopleList()
	if len(people) == 0 {
		return nil
	}
	if err := p.index.EnsureCollection(ctx, rec.Device, p.faceModel, vision.FaceEmbeddingDim); err != nil {
		return err
	}
	vecs := make([]vector.Vector, 0, len(people))
	for i, f := range people {
		if len(f.Embedding) != vision.FaceEmbeddingDim {
			continue
		}
		rotated, err := p.registry.Transform(ctx, rec.Device, f.Embedding)
		if err != nil {
			return err
		}
		vecs = append(vecs, vector.Vector{
			ID:     fmt.Sprintf("%s%s%d", baseID, faceIDSep, i),
			Values: rotated,
			Metadata: map[string]any{
				"path":      rec.Path,
				"timestamp": rec.CaptureTime,
				"whitelist": f.Label != RedactedFaceLabel,
				"name":      f.Label,
			},
		})
	}
	if len(vecs) == 0 {
		return nil
	}
	return p.index.Upsert(ctx, rec.Device, p.faceModel, vecs)
}

// Cleanup removes every trace of an asset: bytes, thumbnail, record, and
// all vectors including its face entries.
func (p *Pipeline) Cleanup(ctx context.Context, device, path string) error {
	if err := p.store.Delete(device, path); err != nil {
		return err
	}
	if err := p.store.DeleteThumbnail(device, path); err != nil {
		return err
	}

	id := vector.ToID(path)
	model := p.embedder.Model()
	if err := p.index.DeleteIDs(ctx, device, model, []string{id}); err != nil {
		p.log.Warn("delete vector failed", "device", device, "path", path, "error", err)
	}
	faceIDs, err := p.index.ListIDs(ctx, device, p.faceModel)
	if err == nil {
		prefix := id + faceIDSep
		var doomed []string
		for _, fid := range faceIDs {
			if strings.HasPrefix(fid, prefix) {
				doomed = append(doomed, fid)
			}
		}
		if len(doomed) > 0 {
			if err := p.index.DeleteIDs(ctx, device, p.faceModel, doomed); err != nil {
				p.log.Warn("delete face vectors failed", "device", device, "path", path, "error", err)
			}
		}
	}

	return p.records.HardDelete(dbctx.Context{Ctx: ctx}, device, []string{path})
}

// cropBox clips a bounding box to the image and returns the cropped
// region plus the translation back to image coordinates.
func cropBox(img image.Image, box [4]int) (image.Image, int, int, bool) {
	b := img.Bounds()
	x1, y1, x2, y2 := box[0], box[1], box[2], box[3]
	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > b.Dx() {
		x2 = b.Dx()
	}
	if y2 > b.Dy() {
		y2 = b.Dy()
	}
	if x2-x1 < 2 || y2-y1 < 2 {
		return nil, 0, 0, false
	}
	dst := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			dst.Set(x-x1, y-y1, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst, x1, y1, true
}
