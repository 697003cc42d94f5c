package localmedia

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yungbote/lifelog-backend/internal/platform/ctxutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// Tools wraps the system binaries the ingest path needs.
//
// REQUIRED BINARIES in worker runtime:
// - ffmpeg for raw H264 remux and keyframe extraction
//
// Synchronous and deterministic; call from worker jobs, not request
// handlers.
type Tools interface {
	AssertReady(ctx context.Context) error

	// RemuxH264ToMP4 wraps a raw .h264 elementary stream into an MP4
	// container without re-encoding, tagging a 90 degree display rotation
	// for sideways-mounted cameras.
	RemuxH264ToMP4(ctx context.Context, inputPath, outputPath string) error

	// ExtractFirstFrame writes the first keyframe of a video as a JPEG.
	ExtractFirstFrame(ctx context.Context, videoPath, outputPath string) error

	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)
}

type tools struct {
	log *logger.Logger

	ffmpegPath string
	workRoot   string

	defaultTimeout time.Duration
}

func New(log *logger.Logger) Tools {
	return &tools{
		log:            log.With("service", "MediaTools"),
		ffmpegPath:     "ffmpeg",
		workRoot:       "/tmp/lifelog-media",
		defaultTimeout: 5 * time.Minute,
	}
}

func (m *tools) AssertReady(_ context.Context) error {
	if _, err := exec.LookPath(m.ffmpegPath); err != nil {
		return fmt.Errorf("missing required binary %q in PATH: %w", m.ffmpegPath, err)
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

func (m *tools) RemuxH264ToMP4(ctx context.Context, inputPath, outputPath string) error {
	ctx = ctxutil.Default(ctx)
	if inputPath == "" || outputPath == "" {
		return fmt.Errorf("inputPath and outputPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outDir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-framerate", "30",
		"-i", inputPath,
		"-c", "copy",
		"-metadata:s:v", "rotate=90",
		outputPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg remux failed: %w; out=%s", err, truncateOutput(out))
	}
	return nil
}

func (m *tools) ExtractFirstFrame(ctx context.Context, videoPath, outputPath string) error {
	ctx = ctxutil.Default(ctx)
	if videoPath == "" || outputPath == "" {
		return fmt.Errorf("videoPath and outputPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outDir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		outputPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg frame extract failed: %w; out=%s", err, truncateOutput(out))
	}
	if _, statErr := os.Stat(outputPath); statErr != nil {
		return fmt.Errorf("ffmpeg produced no frame at %s", outputPath)
	}
	return nil
}

func (m *tools) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	_ = ctxutil.Default(ctx)
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	h := sha256.Sum256(data)
	base := hex.EncodeToString(h[:])[:16]
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	path := filepath.Join(m.workRoot, fmt.Sprintf("%s%s", base, suffix))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}

func truncateOutput(out []byte) string {
	const max = 2048
	if len(out) <= max {
		return string(out)
	}
	return string(out[:max]) + "..."
}
