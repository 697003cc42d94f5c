package assets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/ctxutil"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// Store owns the on-disk asset layout. Originals live under
// <assets_root>/<device>/<YYYY-MM-DD>/<stamp>.<ext>, thumbnails mirror that
// layout under <thumb_root> with a .webp extension.
type Store interface {
	Put(ctx context.Context, device, relpath string, data []byte) (created bool, err error)
	Exists(device, relpath string) bool
	Open(device, relpath string) ([]byte, error)
	Delete(device, relpath string) error

	AssetPath(device, relpath string) string
	ThumbnailPath(device, relpath string) string
	ThumbnailRelPath(relpath string) string
	PutThumbnail(ctx context.Context, device, relpath string, webpBytes []byte) error
	OpenThumbnail(device, relpath string) ([]byte, error)
	DeleteThumbnail(device, relpath string) error
	ThumbnailExists(device, relpath string) bool

	ListAssets(device string) ([]string, error)
	ListDevices() ([]string, error)
	ContentHash(data []byte) string
}

type store struct {
	log       *logger.Logger
	assetRoot string
	thumbRoot string
}

func NewStore(log *logger.Logger) Store {
	return &store{
		log:       log.With("service", "AssetStore"),
		assetRoot: envutil.Str("ASSETS_ROOT", "data/assets"),
		thumbRoot: envutil.Str("THUMBNAILS_ROOT", "data/thumbnails"),
	}
}

func NewStoreAt(log *logger.Logger, assetRoot, thumbRoot string) Store {
	return &store{
		log:       log.With("service", "AssetStore"),
		assetRoot: assetRoot,
		thumbRoot: thumbRoot,
	}
}

func (s *store) AssetPath(device, relpath string) string {
	return filepath.Join(s.assetRoot, device, filepath.FromSlash(relpath))
}

func (s *store) ThumbnailRelPath(relpath string) string {
	ext := filepath.Ext(relpath)
	return strings.TrimSuffix(relpath, ext) + ".webp"
}

func (s *store) ThumbnailPath(device, relpath string) string {
	return filepath.Join(s.thumbRoot, device, filepath.FromSlash(s.ThumbnailRelPath(relpath)))
}

// Put lands asset bytes atomically: write to a temp file in the target
// directory, then rename. A crash mid-write leaves at worst a stray temp
// file, never a truncated asset. Re-putting identical bytes is a no-op.
func (s *store) Put(ctx context.Context, device, relpath string, data []byte) (bool, error) {
	_ = ctxutil.Default(ctx)
	if device == "" || relpath == "" {
		return false, domain.ErrInvalidInput
	}
	target := s.AssetPath(device, relpath)

	if existing, err := os.ReadFile(target); err == nil {
		if bytes.Equal(existing, data) {
			return false, nil
		}
		// Same path, different bytes: latest capture wins but keep the
		// atomic path below.
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return false, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("rename into place: %w", err)
	}
	return true, nil
}

func (s *store) Exists(device, relpath string) bool {
	info, err := os.Stat(s.AssetPath(device, relpath))
	return err == nil && !info.IsDir()
}

func (s *store) Open(device, relpath string) ([]byte, error) {
	data, err := os.ReadFile(s.AssetPath(device, relpath))
	if os.IsNotExist(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *store) Delete(device, relpath string) error {
	err := os.Remove(s.AssetPath(device, relpath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *store) PutThumbnail(ctx context.Context, device, relpath string, webpBytes []byte) error {
	_ = ctxutil.Default(ctx)
	target := s.ThumbnailPath(device, relpath)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".thumb-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(webpBytes); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (s *store) OpenThumbnail(device, relpath string) ([]byte, error) {
	data, err := os.ReadFile(s.ThumbnailPath(device, relpath))
	if os.IsNotExist(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *store) DeleteThumbnail(device, relpath string) error {
	err := os.Remove(s.ThumbnailPath(device, relpath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *store) ThumbnailExists(device, relpath string) bool {
	info, err := os.Stat(s.ThumbnailPath(device, relpath))
	return err == nil && !info.IsDir()
}

// ListAssets walks one device root and returns canonical relpaths (forward
// slashes), skipping temp files from interrupted puts.
func (s *store) ListAssets(device string) ([]string, error) {
	root := filepath.Join(s.assetRoot, device)
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".put-") || strings.HasPrefix(name, ".thumb-") {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *store) ListDevices() ([]string, error) {
	entries, err := os.ReadDir(s.assetRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *store) ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
