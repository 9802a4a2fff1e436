package display

import "time"

// Result summarizes one prefetch or refresh run.
type Result struct {
	// Total is the number of items the manifest named.
	Total int `json:"total"`
	// Succeeded counts items the run downloaded and cached.
	Succeeded int `json:"succeeded"`
	// Skipped counts items that were already cached when the run started.
	Skipped int `json:"skipped"`
	// Failed counts items that could not be cached.
	Failed int `json:"failed"`
	// FailedIDs lists the failed item ids in lexical order.
	FailedIDs []string `json:"failed_ids,omitempty"`
	// BytesDownloaded is the payload volume actually transferred.
	BytesDownloaded int64 `json:"bytes_downloaded"`
	// Duration is wall time for the run.
	Duration time.Duration `json:"duration"`
	// Removed counts stale cache entries a refresh deleted. Always zero for
	// a prefetch.
	Removed int `json:"removed"`
}

// Progress is a point-in-time view of a running download batch.
type Progress struct {
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Total      int           `json:"total"`
	Bytes      int64         `json:"bytes"`
	TotalBytes int64         `json:"total_bytes"`
	// ETA estimates time remaining from observed throughput. Zero when
	// unknown.
	ETA time.Duration `json:"eta"`
}

// ProgressFunc receives throttled progress updates. It is called from
// download goroutines and must not block for long.
type ProgressFunc func(Progress)

// Stats is a snapshot of the cache inventory against its quota.
type Stats struct {
	Items          int64   `json:"items"`
	UsedBytes      int64   `json:"used_bytes"`
	QuotaBytes     int64   `json:"quota_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	PercentUsed    float64 `json:"percent_used"`
	// Persistent reports whether the cache survives a reboot.
	Persistent bool `json:"persistent"`
}

// VerifyReport summarizes one integrity audit.
type VerifyReport struct {
	TotalChecked     int `json:"total_checked"`
	CorruptedRemoved int `json:"corrupted_removed"`
	InvalidRemoved   int `json:"invalid_removed"`
}

// Media is one cached asset, payload included.
type Media struct {
	ID             string    `json:"id"`
	GroupID        int64     `json:"group_id"`
	SourceURL      string    `json:"source_url"`
	MimeType       string    `json:"mime_type"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       string    `json:"checksum"`
	CachedAt       time.Time `json:"cached_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	Payload        []byte    `json:"-"`
}
