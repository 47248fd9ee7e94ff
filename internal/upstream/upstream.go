// Package upstream implements the Upstream Gateway of spec section 6:
// an opaque fetcher for object metadata and data, bounded by a
// connection-limit permit pool, adapted from the teacher's
// internal/storage client that spoke to storage-node over HTTP.
package upstream

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the upstream reports the path does
	// not exist.
	ErrNotFound = errors.New("upstream: not found")
	// ErrForbidden is returned when the upstream denies access.
	ErrForbidden = errors.New("upstream: forbidden")
	// ErrTransient is returned for retryable upstream failures (maps
	// to UpstreamError/502 at the HTTP layer).
	ErrTransient = errors.New("upstream: transient error")
)

// Metadata is the upstream-reported attribute set for a data object
// (spec section 6, fetch_metadata).
type Metadata struct {
	Size       int64
	Checksum   string
	CreatedTS  time.Time
	ModifiedTS time.Time
	AVUs       []AVU
}

// AVU is one attribute/value/unit metadata triple.
type AVU struct {
	Attribute string
	Value     string
	Unit      string
}

// OnBytes is called by FetchData after each chunk is written to dst,
// so the caller can feed the Rate Tracker (spec section 6).
type OnBytes func(n int64)

// Gateway is the external collaborator the Precache Manager uses to
// reach the upstream object store. Implementations must be safe for
// concurrent use and must themselves enforce max_connections.
type Gateway interface {
	// FetchMetadata resolves path's current metadata.
	FetchMetadata(ctx context.Context, path string) (Metadata, error)

	// FetchData streams path's bytes into dst, invoking onBytes after
	// each chunk write, respecting ctx cancellation chunk-granularly
	// (spec section 5, "fetch-data (chunk-granular)").
	FetchData(ctx context.Context, path string, dst io.Writer, onBytes OnBytes) error

	// Checksum returns the upstream-computed whole-file checksum,
	// independent of FetchMetadata's cached Checksum field. The
	// Precache Manager's mismatch check compares against the checksum
	// recorded from FetchMetadata and does not call this method.
	Checksum(ctx context.Context, path string) (string, error)
}
