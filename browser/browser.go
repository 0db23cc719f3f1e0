// Package browser wraps the driven-page primitive the capture pipeline
// runs against. Everything above this package works through the Page
// interface so tests can substitute synthetic pages.
package browser

import (
	"context"
	"errors"
	"image"

	"page-capture-llm/store"
)

// ErrRateLimited signals the capture primitive's call-rate ceiling. The
// stitcher retries this with backoff; every other capture failure is fatal.
var ErrRateLimited = errors.New("screenshot rate limit exceeded")

// ErrTargetUnavailable signals the page closed or navigated away
// mid-operation.
var ErrTargetUnavailable = errors.New("target page unavailable")

// Metrics describes the page geometry in CSS pixels at evaluation time.
type Metrics struct {
	ViewportWidth    int
	ViewportHeight   int
	TotalWidth       int
	TotalHeight      int
	ScrollX          int
	ScrollY          int
	DevicePixelRatio float64
}

// Page is one capture target: a loaded document with its own event loop.
type Page interface {
	// ContextID identifies this page for store filtering.
	ContextID() string
	// URL returns the current document URL.
	URL() string
	// Metrics reads the current page geometry.
	Metrics(ctx context.Context) (Metrics, error)
	// ScrollTo scrolls the document to the given vertical offset (CSS px).
	ScrollTo(ctx context.Context, y int) error
	// Screenshot captures the currently visible viewport in physical pixels.
	Screenshot(ctx context.Context) (image.Image, error)
	// ShowMask covers the viewport with an opaque overlay to hide scroll
	// jumps; HideMask removes it. Both are idempotent.
	ShowMask(ctx context.Context) error
	HideMask(ctx context.Context) error
	// SettleFrames waits n animation-frame ticks so an intermediate paint
	// is not captured.
	SettleFrames(ctx context.Context, n int) error
	// InjectSelector attaches the area-selection overlay to the document.
	InjectSelector(ctx context.Context) error
	// RemoveSelector tears the overlay down. Safe to call when absent.
	RemoveSelector(ctx context.Context) error
	// ProbeSelector is the readiness round-trip: true once the injected
	// overlay reports it is attached and listening.
	ProbeSelector(ctx context.Context) (bool, error)
	// PollSelection reads the overlay's outcome. The bool reports whether an
	// outcome exists yet; a (nil, true) outcome is an explicit user cancel.
	PollSelection(ctx context.Context) (*store.Selection, bool, error)
}
