package fetch

// Status tracks one manifest item through the download pipeline.
type Status string

const (
	// StatusPending means the item is queued but not started.
	StatusPending Status = "Pending"

	// StatusDownloading means a download attempt is in flight.
	StatusDownloading Status = "Downloading"

	// StatusSkipped means the item was already cached.
	StatusSkipped Status = "Skipped"

	// StatusCached means the item was downloaded, validated and stored.
	StatusCached Status = "Cached"

	// StatusFailed means the item gave up after retries or failed permanently.
	StatusFailed Status = "Failed"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsFinal returns true if the item will not change state again.
func (s Status) IsFinal() bool {
	return s == StatusSkipped || s == StatusCached || s == StatusFailed
}
