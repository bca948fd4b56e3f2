// Package gwerrors defines the sentinel errors used across the gateway to
// decide how to respond to a failed request.
package gwerrors

import "errors"

var (
	// ErrClientAbort means the client closed the connection before the
	// response finished. Not logged above info, never surfaced as a 5xx.
	ErrClientAbort = errors.New("client closed connection")

	// ErrSourceMissing means the requested source file does not exist.
	ErrSourceMissing = errors.New("source file missing")

	// ErrSourceUnreadable means the source file exists but could not be
	// read (permissions, I/O error, truncated after headers were sent).
	ErrSourceUnreadable = errors.New("source file unreadable")

	// ErrPixelLimitExceeded means the source image's pixel count exceeds
	// the configured decompression-bomb guard.
	ErrPixelLimitExceeded = errors.New("source image exceeds pixel limit")

	// ErrAllEnginesFailed means neither the primary nor the fallback
	// engine produced a rendition. Transcode returns it together with a
	// passthrough Result after the original bytes were written.
	ErrAllEnginesFailed = errors.New("all transcoder engines failed")

	// ErrShed means the request was dropped by the scheduler under load.
	ErrShed = errors.New("request shed under load")

	// ErrItemTimeout means the scheduler's outer or inner per-item timeout
	// fired before the processor finished.
	ErrItemTimeout = errors.New("scheduler item timeout")

	// ErrFolderSwitch means the request was cancelled because the
	// scheduler's current folder changed before it was processed.
	ErrFolderSwitch = errors.New("request cancelled due to folder change")

	// ErrAccessDenied means safeResolve rejected the request path, or a
	// WebDAV Depth: infinity request was refused.
	ErrAccessDenied = errors.New("access denied")

	// ErrClientGone means the request's context was already done before
	// any response bytes were written; the caller should answer 410 Gone
	// instead of silently dropping the connection.
	ErrClientGone = errors.New("client disconnected before response started")

	// ErrConfigInvalidValue means a config key's value failed its range
	// or type check; the caller-provided default is substituted.
	ErrConfigInvalidValue = errors.New("invalid config value")
)
