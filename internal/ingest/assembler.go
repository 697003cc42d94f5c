package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/lifelog-backend/internal/assets"
	redisclient "github.com/yungbote/lifelog-backend/internal/clients/redis"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	"github.com/yungbote/lifelog-backend/internal/devices"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/pipeline"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/localmedia"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// DefaultDateFormat matches the canonical stem devices produce when they
// do not declare their own convention.
const DefaultDateFormat = "%Y%m%d_%H%M%S"

const (
	// extractionShare is how much of a job's progress the unpack phase
	// accounts for; the pipeline stages own the rest.
	extractionShare = 0.3
	pipelineShare   = 0.7
)

// Assembler receives chunked archive uploads, reassembles them, rewrites
// every entry to the canonical device/date layout, and hands the result
// to the pipeline queue under a trackable job.
type Assembler struct {
	log      *logger.Logger
	store    assets.Store
	records  assetrepo.AssetRecordRepo
	registry devices.Registry
	tracker  redisclient.JobTracker
	queue    *pipeline.Queue
	media    localmedia.Tools
	envelope devices.Envelope
	workRoot string
}

func NewAssembler(log *logger.Logger, store assets.Store, records assetrepo.AssetRecordRepo, registry devices.Registry, tracker redisclient.JobTracker, queue *pipeline.Queue, media localmedia.Tools, envelope devices.Envelope) *Assembler {
	return newAssembler(log, store, records, registry, tracker, queue, media, envelope,
		envutil.Str("UPLOADS_ROOT", "data/uploads"))
}

// NewAssemblerAt pins the partial-upload directory, for tests.
func NewAssemblerAt(log *logger.Logger, store assets.Store, records assetrepo.AssetRecordRepo, registry devices.Registry, tracker redisclient.JobTracker, queue *pipeline.Queue, media localmedia.Tools, envelope devices.Envelope, workRoot string) *Assembler {
	return newAssembler(log, store, records, registry, tracker, queue, media, envelope, workRoot)
}

func newAssembler(log *logger.Logger, store assets.Store, records assetrepo.AssetRecordRepo, registry devices.Registry, tracker redisclient.JobTracker, queue *pipeline.Queue, media localmedia.Tools, envelope devices.Envelope, workRoot string) *Assembler {
	return &Assembler{
		log:      log.With("service", "UploadAssembler"),
		store:    store,
		records:  records,
		registry: registry,
		tracker:  tracker,
		queue:    queue,
		media:    media,
		envelope: envelope,
		workRoot: workRoot,
	}
}

// Init opens an upload session. The date format is validated here so a
// bad convention fails before the first chunk is in flight.
func (a *Assembler) Init(ctx context.Context, device, dateFormat string) (string, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return "", fmt.Errorf("%w: device required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(dateFormat) == "" {
		dateFormat = DefaultDateFormat
	}
	if _, err := CompileDateFormat(dateFormat); err != nil {
		return "", err
	}
	if _, err := a.registry.Ensure(ctx, device); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	if err := os.MkdirAll(a.workRoot, 0o755); err != nil {
		return "", fmt.Errorf("mkdir uploads root: %w", err)
	}
	session := &domain.UploadSession{
		UploadID:    uploadID,
		Device:      device,
		DateFormat:  dateFormat,
		PartialPath: filepath.Join(a.workRoot, uploadID+".zip.part"),
	}
	if err := a.tracker.PutUpload(ctx, session); err != nil {
		return "", err
	}
	a.log.Info("upload session opened", "upload", uploadID, "device", device)
	return uploadID, nil
}

// AppendChunk appends one chunk to the partial archive. Chunks must
// arrive in order; redundant retransmits of the current chunk are the
// uploader's problem, not deduplicated here.
func (a *Assembler) AppendChunk(ctx context.Context, uploadID string, chunkIndex, totalChunks int, chunk io.Reader) error {
	if chunkIndex < 0 || totalChunks <= 0 || chunkIndex >= totalChunks {
		return fmt.Errorf("%w: chunk %d of %d", domain.ErrInvalidInput, chunkIndex, totalChunks)
	}
	session, err := a.tracker.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if session.Completed {
		return fmt.Errorf("%w: upload %s already completed", domain.ErrInvalidInput, uploadID)
	}
	if a.queue.Saturated() {
		return domain.ErrQueueFull
	}

	f, err := os.OpenFile(session.PartialPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open partial: %w", err)
	}
	n, copyErr := io.Copy(f, chunk)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("append chunk: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close partial: %w", closeErr)
	}

	session.ReceivedBytes += n
	return a.tracker.PutUpload(ctx, session)
}

// Complete seals the archive and starts extraction in the background,
// returning the job id the uploader polls.
func (a *Assembler) Complete(ctx context.Context, uploadID string) (string, error) {
	session, err := a.tracker.GetUpload(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if session.Completed {
		return "", fmt.Errorf("%w: upload %s already completed", domain.ErrInvalidInput, uploadID)
	}

	archivePath := strings.TrimSuffix(session.PartialPath, ".part")
	if err := os.Rename(session.PartialPath, archivePath); err != nil {
		return "", fmt.Errorf("seal archive: %w", err)
	}
	session.Completed = true
	if err := a.tracker.PutUpload(ctx, session); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	job := &domain.ProcessingJob{
		JobID:             jobID,
		Status:            domain.JobProcessing,
		Progress:          0,
		Device:            session.Device,
		DateFormat:        session.DateFormat,
		SourceArchivePath: archivePath,
	}
	if err := a.tracker.PutJob(ctx, job); err != nil {
		return "", err
	}

	go a.extract(context.Background(), jobID, session.Device, session.DateFormat, archivePath)
	return jobID, nil
}

// Status returns the processing job for polling.
func (a *Assembler) Status(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	return a.tracker.GetJob(ctx, jobID)
}

func (a *Assembler) extract(ctx context.Context, jobID, device, dateFormat, archivePath string) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("extraction panic", "job", jobID, "recover", fmt.Sprint(r))
			a.failJob(ctx, jobID, fmt.Sprintf("extraction panic: %v", r))
		}
	}()

	tracked, err := a.extractArchive(ctx, jobID, device, dateFormat, archivePath)
	if err != nil {
		a.log.Error("extraction failed", "job", jobID, "error", err)
		a.failJob(ctx, jobID, err.Error())
		return
	}
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		a.log.Warn("archive cleanup failed", "job", jobID, "error", err)
	}

	if _, err := a.tracker.UpdateJob(ctx, jobID, func(j *domain.ProcessingJob) {
		j.Progress = extractionShare
		j.TrackedFiles = tracked
	}); err != nil {
		a.log.Warn("job update failed", "job", jobID, "error", err)
	}

	if len(tracked) == 0 {
		if _, err := a.tracker.UpdateJob(ctx, jobID, func(j *domain.ProcessingJob) {
			j.Status = domain.JobDone
			j.Progress = 1.0
			j.Message = "archive contained no processable files"
		}); err != nil {
			a.log.Warn("job update failed", "job", jobID, "error", err)
		}
		return
	}

	weight := pipelineShare / float64(len(tracked))
	a.queue.RegisterJob(jobID, device, len(tracked))
	for _, relpath := range tracked {
		task := pipeline.Task{
			Device: device,
			Path:   relpath,
			Date:   path.Dir(relpath),
			JobID:  jobID,
			Weight: weight,
		}
		if err := a.queue.EnqueueWait(ctx, task); err != nil {
			a.log.Error("enqueue failed", "job", jobID, "path", relpath, "error", err)
		}
	}
}

// extractArchive unpacks every entry whose stem matches the device's date
// format, rewriting it to the canonical YYYY-MM-DD/YYYYMMDD_HHMMSS.<ext>
// location. Entries that do not parse are skipped with a log line, never
// an error: one stray file must not sink the whole upload.
func (a *Assembler) extractArchive(ctx context.Context, jobID, device, dateFormat, archivePath string) ([]string, error) {
	layout, err := CompileDateFormat(dateFormat)
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %v", domain.ErrCorruptAsset, err)
	}
	defer zr.Close()

	var entries []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, f)
	}

	var tracked []string
	for i, f := range entries {
		name := path.Base(f.Name)
		ext := strings.ToLower(path.Ext(name))
		stem := strings.TrimSuffix(name, path.Ext(name))

		capture, parseErr := ParseStem(layout, stem)
		if parseErr != nil {
			a.log.Warn("skipping unparseable entry", "job", jobID, "entry", f.Name)
			continue
		}

		data, readErr := readZipEntry(f)
		if readErr != nil {
			a.log.Warn("skipping unreadable entry", "job", jobID, "entry", f.Name, "error", readErr)
			continue
		}

		relpath, storeErr := a.storeAsset(ctx, device, capture, ext, data)
		if storeErr != nil {
			a.log.Warn("skipping entry", "job", jobID, "entry", f.Name, "error", storeErr)
			continue
		}
		tracked = append(tracked, relpath)

		progress := extractionShare * float64(i+1) / float64(len(entries))
		if _, err := a.tracker.UpdateJob(ctx, jobID, func(j *domain.ProcessingJob) {
			j.Progress = progress
		}); err != nil {
			a.log.Warn("job update failed", "job", jobID, "error", err)
		}
	}
	return tracked, nil
}

// storeAsset lands one asset's bytes and shadow record, remuxing raw
// H264 streams into playable MP4 first.
func (a *Assembler) storeAsset(ctx context.Context, device string, capture time.Time, ext string, data []byte) (string, error) {
	if ext == ".h264" {
		remuxed, err := a.remuxVideo(ctx, data)
		if err != nil {
			return "", err
		}
		data = remuxed
		ext = ".mp4"
	}
	relpath := domain.CanonicalRelPath(capture, ext)

	if _, err := a.store.Put(ctx, device, relpath, data); err != nil {
		return "", err
	}
	rec := &domain.AssetRecord{
		Device:      device,
		Path:        relpath,
		Date:        domain.DateOf(capture),
		Hour:        capture.UTC().Format("15"),
		CaptureTime: domain.EpochMillis(capture),
		Kind:        string(domain.KindOf(relpath)),
		ContentHash: a.store.ContentHash(data),
	}
	if _, _, err := a.records.CreateIfAbsent(dbctx.Context{Ctx: ctx}, rec); err != nil {
		return "", err
	}
	return relpath, nil
}

func (a *Assembler) remuxVideo(ctx context.Context, raw []byte) ([]byte, error) {
	inPath, cleanupIn, err := a.media.WriteTempFile(ctx, raw, ".h264")
	if err != nil {
		return nil, err
	}
	defer cleanupIn()
	outPath := strings.TrimSuffix(inPath, ".h264") + ".mp4"
	defer os.Remove(outPath)

	if err := a.media.RemuxH264ToMP4(ctx, inPath, outPath); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptAsset, err)
	}
	return os.ReadFile(outPath)
}

// UploadImage ingests one device-attested file outside any archive job.
// Bytes that do not decode directly are tried through the sealed-box
// envelope before being rejected. Landscape frames are rotated upright
// and the asset is queued for the full stage chain.
func (a *Assembler) UploadImage(ctx context.Context, device, filename string, data []byte) (string, error) {
	device = strings.TrimSpace(device)
	if device == "" || len(data) == 0 {
		return "", fmt.Errorf("%w: device and payload required", domain.ErrInvalidInput)
	}
	capture, err := domain.ParseCaptureTime(filename)
	if err != nil {
		return "", err
	}
	if a.queue.Saturated() {
		return "", domain.ErrQueueFull
	}
	if _, err := a.registry.Ensure(ctx, device); err != nil {
		return "", err
	}

	ext := strings.ToLower(path.Ext(filename))
	var relpath string
	if domain.VideoExts[ext] {
		relpath, err = a.storeAsset(ctx, device, capture, ext, data)
		if err != nil {
			return "", err
		}
	} else {
		img, decErr := assets.DecodeImage(data)
		if decErr != nil {
			plain, ok := a.unseal(data)
			if !ok {
				return "", decErr
			}
			img, decErr = assets.DecodeImage(plain)
			if decErr != nil {
				return "", decErr
			}
		}
		img = assets.RotateToPortrait(img)
		encoded, encErr := assets.EncodeJPEG(img, 92)
		if encErr != nil {
			return "", encErr
		}
		relpath, err = a.storeAsset(ctx, device, capture, ".jpg", encoded)
		if err != nil {
			return "", err
		}
	}

	task := pipeline.Task{
		Device: device,
		Path:   relpath,
		Date:   domain.DateOf(capture),
	}
	if err := a.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return relpath, nil
}

// CanonicalPathFor maps a client filename to the path it would occupy
// once ingested. Images always land as .jpg, raw H264 as .mp4.
func (a *Assembler) CanonicalPathFor(filename string) (string, error) {
	capture, err := domain.ParseCaptureTime(filename)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(path.Ext(filename))
	switch {
	case ext == ".h264":
		ext = ".mp4"
	case !domain.VideoExts[ext]:
		ext = ".jpg"
	}
	return domain.CanonicalRelPath(capture, ext), nil
}

// HasUploaded reports whether the asset a client filename maps to has
// already landed, as bytes on disk or as a shadow record.
func (a *Assembler) HasUploaded(ctx context.Context, device, filename string) (bool, string, error) {
	relpath, err := a.CanonicalPathFor(filename)
	if err != nil {
		return false, "", err
	}
	if a.store.Exists(device, relpath) {
		return true, relpath, nil
	}
	if _, err := a.records.GetByPath(dbctx.Context{Ctx: ctx}, device, relpath); err == nil {
		return true, relpath, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, "", err
	}
	return false, relpath, nil
}

// MissingUploads filters a client manifest down to the filenames not yet
// ingested. Names that do not parse count as missing so the client
// retries them and gets the real error from the upload path.
func (a *Assembler) MissingUploads(ctx context.Context, device string, filenames []string) ([]string, error) {
	missing := make([]string, 0, len(filenames))
	for _, name := range filenames {
		ok, _, err := a.HasUploaded(ctx, device, name)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidInput) {
				missing = append(missing, name)
				continue
			}
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (a *Assembler) unseal(data []byte) ([]byte, bool) {
	if a.envelope == nil {
		return nil, false
	}
	return a.envelope.Unseal(data)
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (a *Assembler) failJob(ctx context.Context, jobID, message string) {
	if _, err := a.tracker.UpdateJob(ctx, jobID, func(j *domain.ProcessingJob) {
		j.Status = domain.JobError
		j.Message = message
	}); err != nil {
		a.log.Warn("job update failed", "job", jobID, "error", err)
	}
}
