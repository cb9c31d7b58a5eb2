package models

import "time"

// DownloadRecord is an append-only audit row written when a user downloads a
// completed export. Never mutated after insert.
type DownloadRecord struct {
	ID          string    `json:"id"`
	ExportJobID string    `json:"exportJobId"`
	UserID      string    `json:"userId"`
	ProjectID   string    `json:"projectId"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Referrer    string    `json:"referrer,omitempty"`
	SizeBytes   int64     `json:"sizeBytes"`
	DurationMs  int64     `json:"durationMs"`
	Success     bool      `json:"success"`
	SessionID   string    `json:"sessionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DownloadAnalytics aggregates download records over a window.
type DownloadAnalytics struct {
	TotalDownloads   int64   `json:"totalDownloads"`
	UniqueUsers      int64   `json:"uniqueUsers"`
	TotalBytes       int64   `json:"totalBytes"`
	SuccessRate      float64 `json:"successRate"`
	AvgDurationMs    float64 `json:"avgDurationMs"`
	WindowDays       int     `json:"windowDays"`
	DownloadsPerUser float64 `json:"downloadsPerUser"`
}

// QueueMetrics aggregates job rows by status for monitoring.
type QueueMetrics struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Expired    int64 `json:"expired"`
}
