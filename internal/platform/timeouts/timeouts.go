// Package timeouts defines shared timeout constants used across the
// writequeue processes.
package timeouts

import "time"

// Dispatch bounds one replayed outbound call when a kind sets no timeout.
const Dispatch = 10 * time.Second

// Probe caps a single connectivity probe request.
const Probe = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// CLIRequest caps one operator CLI call against the API.
const CLIRequest = 5 * time.Second
