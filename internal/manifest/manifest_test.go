package manifest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nstephens/glowworm-display/internal/httpclient"
)

func TestFetch(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"count": 2,
			"total_size": 3500,
			"manifest": [
				{"id": "img-1", "source_url": "http://server.local/media/img-1.png", "mime_type": "image/png", "size_bytes": 1500, "group_id": 7},
				{"id": "img-2", "source_url": "http://server.local/media/img-2.jpg", "mime_type": "image/jpeg", "size_bytes": 2000, "group_id": 7}
			]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	m, err := c.Fetch(t.Context(), 7)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if gotPath != "/api/playlists/7/manifest" {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if m.Count != 2 || m.TotalSize != 3500 {
		t.Errorf("unexpected envelope: count=%d total_size=%d", m.Count, m.TotalSize)
	}
	if len(m.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(m.Items))
	}
	first := m.Items[0]
	if first.ID != "img-1" || first.MimeType != "image/png" || first.SizeBytes != 1500 || first.GroupID != 7 {
		t.Errorf("unexpected first item: %+v", first)
	}
}

func TestFetchTrimsTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/playlists/1/manifest" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"count": 0, "total_size": 0, "manifest": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", srv.Client())
	if _, err := c.Fetch(t.Context(), 1); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
}

func TestFetchErrors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such playlist", http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, srv.Client()).Fetch(t.Context(), 99)
		var se *httpclient.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusNotFound {
			t.Errorf("expected a 404 StatusError, got %v", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"count": `))
		}))
		defer srv.Close()

		if _, err := NewClient(srv.URL, srv.Client()).Fetch(t.Context(), 1); err == nil {
			t.Error("expected a decode error")
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", nil)
		if _, err := c.Fetch(t.Context(), 1); err == nil {
			t.Error("expected a transport error")
		}
	})
}

func TestFetchFallbackServers(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var backupHits int
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupHits++
		w.Write([]byte(`{"count": 1, "total_size": 10, "manifest": [{"id": "a", "source_url": "http://server.local/a", "mime_type": "image/png", "size_bytes": 10, "group_id": 3}]}`))
	}))
	defer backup.Close()

	c := NewClient(down.URL, nil, "http://127.0.0.1:1", backup.URL)
	m, err := c.Fetch(t.Context(), 3)
	if err != nil {
		t.Fatalf("Fetch() failed despite a working fallback: %v", err)
	}
	if len(m.Items) != 1 || backupHits != 1 {
		t.Errorf("expected one item from the backup server, got %d items after %d hits", len(m.Items), backupHits)
	}
}

func TestFetchAllServersFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such playlist", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("http://127.0.0.1:1", nil, srv.URL)
	_, err := c.Fetch(t.Context(), 9)
	var se *httpclient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected the last failure (404) to surface, got %v", err)
	}
}

func TestFetchCountMismatchTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count": 5, "total_size": 10, "manifest": [{"id": "only", "source_url": "http://server.local/only", "mime_type": "image/png", "size_bytes": 10, "group_id": 1}]}`))
	}))
	defer srv.Close()

	m, err := NewClient(srv.URL, srv.Client()).Fetch(t.Context(), 1)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(m.Items) != 1 {
		t.Errorf("expected the item list to win over the count, got %d items", len(m.Items))
	}
}
