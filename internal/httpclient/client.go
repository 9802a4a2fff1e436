// Package httpclient builds the HTTP client shared by manifest fetches and
// media downloads.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
)

// NewClient creates an http.Client trusting the system CAs plus the PEM
// bundle at caPath. Content servers on kiosk LANs often run with a private
// CA. An empty caPath returns http.DefaultClient.
//
// The client carries no overall timeout; deadlines come from the caller's
// context.
func NewClient(caPath string) (*http.Client, error) {
	if caPath == "" {
		return http.DefaultClient, nil
	}

	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if !rootCAs.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: rootCAs,
			},
		},
	}, nil
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// IsNotFound reports whether err is a StatusError for a status that means
// the resource is gone for good rather than temporarily unavailable.
func IsNotFound(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusNotFound || se.Code == http.StatusGone
}
