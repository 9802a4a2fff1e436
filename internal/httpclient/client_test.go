package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestNewClientDefault(t *testing.T) {
	c, err := NewClient("")
	if err != nil {
		t.Fatalf("NewClient(\"\") failed: %v", err)
	}
	if c != http.DefaultClient {
		t.Error("expected the default client when no CA bundle is given")
	}
}

func TestNewClientBadBundle(t *testing.T) {
	if _, err := NewClient(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected an error for a missing CA bundle")
	}

	empty := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(empty, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewClient(empty); err == nil {
		t.Error("expected an error for a bundle without certificates")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&StatusError{Code: http.StatusNotFound}) {
		t.Error("expected 404 to count as not found")
	}
	if !IsNotFound(&StatusError{Code: http.StatusGone}) {
		t.Error("expected 410 to count as not found")
	}
	if IsNotFound(&StatusError{Code: http.StatusInternalServerError}) {
		t.Error("expected 500 to be retryable")
	}
	if IsNotFound(errors.New("connection refused")) {
		t.Error("expected a plain error not to count")
	}

	wrapped := fmt.Errorf("download failed: %w", &StatusError{Code: http.StatusNotFound})
	if !IsNotFound(wrapped) {
		t.Error("expected a wrapped StatusError to be recognized")
	}
}
