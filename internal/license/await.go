// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
)

// Checker runs a license check. Engine implements it.
type Checker interface {
	Check(ctx context.Context, force bool) (VerifyResult, error)
}

const (
	awaitAttempts = 40
	awaitDelay    = 250 * time.Millisecond
)

// CheckWhenIdle runs a check, waiting out a verification that is already in
// flight. Callers that just changed the stored license need their own check
// to run; the in-flight one may have read the record before the change.
func CheckWhenIdle(ctx context.Context, c Checker, force bool) (VerifyResult, error) {
	var res VerifyResult
	err := retry.Do(
		func() error {
			var err error
			res, err = c.Check(ctx, force)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(awaitAttempts),
		retry.Delay(awaitDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrVerificationInFlight)
		}),
	)
	return res, err
}
