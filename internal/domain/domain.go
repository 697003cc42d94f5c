package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// AssetKind is the closed set of capture artifact types.
type AssetKind string

const (
	AssetImage AssetKind = "image"
	AssetVideo AssetKind = "video"
)

// JobStatus is the observable lifecycle of a ProcessingJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobError      JobStatus = "error"
)

// AccessLevel orders caller privileges on a (user, device) pair.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessFriend
	AccessOwner
	AccessAdmin
)

func (a AccessLevel) String() string {
	switch a {
	case AccessFriend:
		return "friend"
	case AccessOwner:
		return "owner"
	case AccessAdmin:
		return "admin"
	default:
		return "none"
	}
}

func ParseAccessLevel(s string) AccessLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "friend":
		return AccessFriend
	case "owner":
		return AccessOwner
	case "admin":
		return AccessAdmin
	default:
		return AccessNone
	}
}

// Error kinds callers branch on. Wrapping preserves the kind for errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrAuthDenied   = errors.New("auth denied")
	ErrCorruptAsset = errors.New("corrupt asset")
	ErrModelFailure = errors.New("model failure")
	ErrTransientIO  = errors.New("transient io failure")
	ErrQueueFull    = errors.New("processing queue full")
)

// Detection is one object box from the detector.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"` // x1,y1,x2,y2 in image coordinates
}

// FaceDetection extends Detection with the 512-d face embedding. BBoxes of
// faces found inside a person crop are already translated back into image
// coordinates.
type FaceDetection struct {
	Detection
	Embedding []float32 `json:"embedding"`
}

// WhitelistFace is a named identity whose matching faces are exempt from
// redaction.
type WhitelistFace struct {
	Name       string      `json:"name"`
	Embeddings [][]float32 `json:"embeddings"`
	Cropped    []string    `json:"cropped"` // base64 jpeg thumbnails, capped small
}

// StageFlags records per-asset pipeline progress. Flags only ever flip
// false to true; full cleanup removes the whole record instead.
type StageFlags struct {
	Detected bool `json:"detected"`
	Redacted bool `json:"redacted"`
	Embedded bool `json:"embedded"`
}

// SegmentEvent is emitted after new segment ids are assigned, for the
// external description worker.
type SegmentEvent struct {
	Device    string   `json:"device"`
	Date      string   `json:"date"`
	SegmentID int      `json:"segmentId"`
	Paths     []string `json:"paths"`
}

const captureStampLayout = "20060102_150405"

// VideoExts are the accepted video filename extensions.
var VideoExts = map[string]bool{".mp4": true, ".h264": true, ".mov": true, ".avi": true}

// ParseCaptureTime parses the canonical YYYYMMDD_HHMMSS stem of an asset
// filename. Device wall-clock is treated as UTC.
func ParseCaptureTime(filename string) (time.Time, error) {
	stem := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	t, err := time.ParseInLocation(captureStampLayout, stem, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: filename %q is not YYYYMMDD_HHMMSS", ErrInvalidInput, filename)
	}
	return t, nil
}

// CaptureStamp formats t back into the canonical filename stem.
func CaptureStamp(t time.Time) string {
	return t.UTC().Format(captureStampLayout)
}

// CanonicalRelPath builds the device-relative asset path for a capture time.
func CanonicalRelPath(t time.Time, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return t.UTC().Format("2006-01-02") + "/" + CaptureStamp(t) + ext
}

// DateOf returns the YYYY-MM-DD day of a capture time.
func DateOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

// KindOf classifies a filename by extension.
func KindOf(filename string) AssetKind {
	if VideoExts[strings.ToLower(path.Ext(filename))] {
		return AssetVideo
	}
	return AssetImage
}

// EpochMillis converts a time to UTC epoch milliseconds.
func EpochMillis(t time.Time) int64 { return t.UnixMilli() }
