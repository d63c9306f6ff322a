// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"errors"
	"fmt"
)

// The pipeline classifies failures into a small taxonomy. Handlers decide
// retry behavior from the class, never from error text.

// ErrRaceLost means another evaluator already completed the transition.
// Callers treat it as success and do nothing.
var ErrRaceLost = errors.New("race lost")

// TransientError wraps a connection-level storage or cache failure worth an
// immediate retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// UpstreamFetchError means the media-server API could not supply session
// metadata. The event is dropped; periodic reconciliation self-heals.
type UpstreamFetchError struct {
	ServerID string
	Err      error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("upstream fetch from %s failed: %v", e.ServerID, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// IsUpstreamFetch reports whether err is an upstream fetch failure.
func IsUpstreamFetch(err error) bool {
	var ue *UpstreamFetchError
	return errors.As(err, &ue)
}
