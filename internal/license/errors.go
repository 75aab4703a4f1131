// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import "github.com/pkg/errors"

var (
	ErrTransport            = errors.New("licensing backend unreachable")
	ErrAmbiguousRevocation  = errors.New("license reported as unverified")
	ErrNoActivation         = errors.New("product was never activated")
	ErrUnknownResponse      = errors.New("unrecognized verification response")
	ErrVerificationInFlight = errors.New("verification already in progress")
	ErrEngineClosed         = errors.New("license engine closed")
	ErrEngineNotStarted     = errors.New("license engine not started")
)
