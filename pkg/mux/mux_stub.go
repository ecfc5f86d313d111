//go:build !linux && !darwin && !windows

// Stub for unsupported platforms, matching reactor/reactor_stub.go's
// "return an error for unsupported platforms" shape.
package mux

import "errors"

// New returns an error: this platform has no readiness-multiplexer
// backend.
func New() (Mux, error) {
	return nil, errors.New("mux: this platform is not supported")
}
