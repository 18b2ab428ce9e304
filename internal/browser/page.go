// Package browser provides the page behind the sandbox capability handle and
// the extraction helpers the capability operations are built on.
package browser

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no browser is configured.
var ErrUnavailable = errors.New("capability unavailable")

// Page is one browser tab owned by a single run.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Close() error
}

// Provider hands out pages. Acquire is called once per run and the page is
// closed when the run ends.
type Provider interface {
	Acquire(ctx context.Context) (Page, error)
	Close() error
}
