// Package models defines the data types persisted and exchanged by the
// export pipeline.
package models

import "time"

// Job status values. Transitions only ever follow
// queued → processing → {completed | failed}; completed jobs whose
// expiry has passed become expired.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// Progress phase values.
const (
	PhaseScanning  = "scanning"
	PhaseUploading = "uploading"
	PhaseCompleted = "completed"
)

// ExportType values. Only zip archives are produced today.
const ExportTypeZip = "zip"

// ExportProgress is the user-visible progress block of an ExportJob.
type ExportProgress struct {
	Phase               string `json:"phase"`
	FilesScanned        int64  `json:"filesScanned"`
	BytesWritten        int64  `json:"bytesWritten"`
	EstimatedTotalFiles int64  `json:"estimatedTotalFiles"`
	Message             string `json:"message,omitempty"`
}

// ExportJob is one archive-generation request. Result fields are set iff
// status is completed; failure fields iff status is failed. StorageKey is
// non-empty if and only if the job completed.
type ExportJob struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	UserID          string `json:"userId"`
	VersionID       string `json:"versionId,omitempty"`
	ExportType      string `json:"exportType"`
	ClientRequestID string `json:"clientRequestId"`

	Status   string         `json:"status"`
	Progress ExportProgress `json:"progress"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`

	StorageKey            string  `json:"r2Key,omitempty"`
	ZipSizeBytes          int64   `json:"zipSizeBytes,omitempty"`
	UncompressedSizeBytes int64   `json:"uncompressedSizeBytes,omitempty"`
	FileCount             int64   `json:"fileCount,omitempty"`
	CompressionRatio      float64 `json:"compressionRatio,omitempty"`
	ExportHash            string  `json:"exportHash,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	RetryCount   int    `json:"retryCount,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *ExportJob) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Expired reports whether a completed job has passed its expiry.
func (j *ExportJob) Expired(now time.Time) bool {
	return j.Status == StatusCompleted && j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}

// JobUpdate carries a partial update for an ExportJob. Nil fields are left
// untouched by the store.
type JobUpdate struct {
	Status      *string
	Progress    *ExportProgress
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time

	StorageKey            *string
	ZipSizeBytes          *int64
	UncompressedSizeBytes *int64
	FileCount             *int64
	CompressionRatio      *float64
	ExportHash            *string

	ErrorMessage *string
	RetryCount   *int
}

// UploadResult describes a finished storage upload. Size is the exact byte
// count observed on the wire, not a declared content length.
type UploadResult struct {
	Key      string
	Size     int64
	ETag     string
	UploadID string
}
