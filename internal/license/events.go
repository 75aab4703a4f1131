// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import "time"

type EventKind string

const (
	EventState      EventKind = "state"
	EventOutcome    EventKind = "outcome"
	EventPrompt     EventKind = "prompt"
	EventCheckout   EventKind = "checkout"
	EventActivation EventKind = "activation"
)

type Prompt string

const (
	PromptProductAccess Prompt = "productAccess"
	PromptCheckout      Prompt = "checkout"
	PromptActivation    Prompt = "activation"
)

// Event describes something the engine did. Notifiers receive every event
// on the engine goroutine and must not block.
type Event struct {
	Kind              EventKind         `json:"kind"`
	ProductID         string            `json:"productId"`
	State             State             `json:"state"`
	Outcome           Outcome           `json:"outcome,omitempty"`
	VerificationState VerificationState `json:"verificationState,omitempty"`
	Prompt            Prompt            `json:"prompt,omitempty"`
	CheckoutState     CheckoutState     `json:"checkoutState,omitempty"`
	ActivationStatus  ActivationStatus  `json:"activationStatus,omitempty"`
	RetryAfter        time.Duration     `json:"retryAfter,omitempty"`
	Error             string            `json:"error,omitempty"`
	At                time.Time         `json:"at"`
}

// Notifier receives engine events.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

type multiNotifier []Notifier

func (m multiNotifier) Notify(ev Event) {
	for _, n := range m {
		n.Notify(ev)
	}
}

// Notifiers fans events out to every non-nil notifier.
func Notifiers(notifiers ...Notifier) Notifier {
	out := make(multiNotifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}
