// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultRetryDelay is the pause before the single retry of an ambiguous revocation.
const DefaultRetryDelay = 3 * time.Second

// Outcome is the classified result of a verification call.
type Outcome string

const (
	OutcomeVerified            Outcome = "verified"
	OutcomeNoActivation        Outcome = "noActivation"
	OutcomeUnverifiedTransient Outcome = "unverifiedTransient"
	OutcomeUnableToVerify      Outcome = "unableToVerify"
	OutcomeUnknown             Outcome = "unknown"
)

// Effect is what a decision does to the pro flag.
type Effect int

const (
	EffectNone Effect = iota
	EffectEnable
	EffectDisable
	// EffectTrial enables pro only while the trial is active.
	EffectTrial
)

func (e Effect) String() string {
	switch e {
	case EffectEnable:
		return "enable"
	case EffectDisable:
		return "disable"
	case EffectTrial:
		return "trial"
	default:
		return "none"
	}
}

// Decision tells the engine how to apply a verification result.
type Decision struct {
	Outcome         Outcome
	Effect          Effect
	TouchVerifyDate bool
	PromptAccess    bool

	// Retry consumes the process-wide retry budget.
	Retry      bool
	RetryAfter time.Duration

	Err error
}

// Policy classifies verification results.
type Policy struct {
	RetryDelay time.Duration
}

// NewPolicy returns a policy with the default retry delay.
func NewPolicy() Policy {
	return Policy{RetryDelay: DefaultRetryDelay}
}

func (p Policy) retryDelay() time.Duration {
	if p.RetryDelay <= 0 {
		return DefaultRetryDelay
	}
	return p.RetryDelay
}

// Classify maps a backend answer to a decision. retryAvailable reports
// whether the one-shot retry budget is still unused.
func (p Policy) Classify(state VerificationState, err error, retryAvailable bool) Decision {
	switch state {
	case VerificationVerified:
		return Decision{
			Outcome:         OutcomeVerified,
			Effect:          EffectEnable,
			TouchVerifyDate: true,
		}

	case VerificationNoActivation:
		return Decision{
			Outcome:         OutcomeNoActivation,
			Effect:          EffectTrial,
			TouchVerifyDate: true,
			PromptAccess:    true,
			Err:             ErrNoActivation,
		}

	case VerificationUnverified:
		if err != nil {
			// a hard transport error means we never got a real answer
			return Decision{
				Outcome: OutcomeUnableToVerify,
				Err:     errors.Wrap(ErrTransport, err.Error()),
			}
		}
		if retryAvailable {
			return Decision{
				Outcome:    OutcomeUnverifiedTransient,
				Retry:      true,
				RetryAfter: p.retryDelay(),
				Err:        ErrAmbiguousRevocation,
			}
		}
		return Decision{
			Outcome:         OutcomeUnverifiedTransient,
			Effect:          EffectDisable,
			TouchVerifyDate: true,
			PromptAccess:    true,
			Err:             ErrAmbiguousRevocation,
		}

	case VerificationUnableToVerify:
		cause := ErrTransport
		if err != nil {
			cause = errors.Wrap(ErrTransport, err.Error())
		}
		return Decision{
			Outcome: OutcomeUnableToVerify,
			Err:     cause,
		}

	default:
		cause := ErrUnknownResponse
		if err != nil {
			cause = errors.Wrap(ErrUnknownResponse, err.Error())
		}
		return Decision{
			Outcome: OutcomeUnknown,
			Err:     cause,
		}
	}
}
