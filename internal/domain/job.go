package domain

// UploadSession is the ephemeral state of one chunked upload. It lives in
// Redis from /init until the associated ProcessingJob terminates.
type UploadSession struct {
	UploadID      string `json:"upload_id"`
	Device        string `json:"device"`
	DateFormat    string `json:"date_format"`
	PartialPath   string `json:"partial_path"`
	ReceivedBytes int64  `json:"received_bytes"`
	Completed     bool   `json:"completed"`
}

// ProcessingJob tracks an archive import or single-file ingest through
// extraction, the per-asset pipeline, and segmentation. Consumed by the
// /processing-status endpoint.
type ProcessingJob struct {
	JobID             string    `json:"job_id"`
	Status            JobStatus `json:"status"`
	Progress          float64   `json:"progress"`
	Message           string    `json:"message"`
	Device            string    `json:"device"`
	DateFormat        string    `json:"date_format"`
	SourceArchivePath string    `json:"source_archive_path"`
	TrackedFiles      []string  `json:"tracked_files"`
}
