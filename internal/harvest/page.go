// Package harvest drives the page-harvesting protocol: scroll convergence to
// defeat lazy loading, selector-fallback extraction against brittle markup,
// and the per-source protocol tying them together.
package harvest

import (
	"context"
	"errors"
)

// ErrCancelled is returned when a crawl is cancelled between harvest phases.
var ErrCancelled = errors.New("harvest cancelled")

// Page is the browser surface the harvest protocol runs against. Element
// access is index-based within a container locator so implementations can
// stay stateless across re-renders.
type Page interface {
	// Navigate loads a URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// DismissOverlays finds visible consent/cookie overlays whose text
	// matches any keyword and clicks their accept control.
	DismissOverlays(ctx context.Context, keywords []string) (bool, error)

	ScrollBy(ctx context.Context, delta int) error
	ScrollTo(ctx context.Context, pos int) error
	ScrollHeight(ctx context.Context) (int, error)
	ScrollPosition(ctx context.Context) (int, error)

	// Count returns how many elements match the locator.
	Count(ctx context.Context, locator string) (int, error)
	// Text returns the inner text of the first element matching field
	// inside the index-th container, or "" when nothing matches.
	Text(ctx context.Context, container string, index int, field string) (string, error)
	// Attribute returns an attribute of the first element matching field
	// inside the index-th container, or "" when nothing matches.
	Attribute(ctx context.Context, container string, index int, field, attr string) (string, error)
}

// PageFactory opens fresh pages. The release func must always be called.
type PageFactory interface {
	NewPage(ctx context.Context) (Page, func(), error)
}

// RawRecord is one unvalidated harvested item, consumed by the reconciler
// within the same crawl.
type RawRecord struct {
	Source           string
	Category         string
	Name             string
	PriceText        string
	UnitText         string
	AvailabilityText string
	Description      string
	ImageURL         string
	DetailURL        string
}
