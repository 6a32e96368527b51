// Package vlog defines the injectable logging function type used
// throughout vnet, mirroring the tailscale.com convention of passing a
// Logf around rather than depending on a package-level logger.
package vlog

import "log"

// Logf is the logging signature threaded through constructors. A nil
// Logf is never passed to user code; callers that don't care about
// logging should pass Discard.
type Logf func(format string, args ...any)

// Std returns a Logf backed by the standard library's log package.
func Std() Logf {
	return log.Printf
}

// Discard drops everything logged through it.
func Discard(format string, args ...any) {}

// WithPrefix returns a Logf that prepends prefix to every format string,
// the way vnet's Machine tasks prefix trace lines with the machine id.
func WithPrefix(logf Logf, prefix string) Logf {
	if logf == nil {
		logf = Discard
	}
	return func(format string, args ...any) {
		logf(prefix+format, args...)
	}
}
