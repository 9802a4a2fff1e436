package fetch

import "fmt"

// ItemError is the final failure of one manifest item after all retries.
type ItemError struct {
	// ID is the manifest item id.
	ID string
	// URL is the source the download came from.
	URL string
	// Attempts is how many download attempts were made.
	Attempts int
	// Permanent marks failures that retrying cannot fix, like a 404 or a
	// payload that fails validation.
	Permanent bool
	// Err is the underlying cause.
	Err error
}

func (e *ItemError) Error() string {
	kind := "failed"
	if e.Permanent {
		kind = "permanently failed"
	}
	return fmt.Sprintf("item %s %s after %d attempt(s): %v", e.ID, kind, e.Attempts, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
