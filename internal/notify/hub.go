// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notify broadcasts license engine events to UI subscribers with a
// ring buffer for recent history.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autobrr/progate/internal/license"
)

const (
	// DefaultBufferSize is the number of messages kept for late subscribers.
	DefaultBufferSize = 200
	// DefaultSubscriberBuffer is the buffer size for each subscriber's channel.
	DefaultSubscriberBuffer = 32
)

// Message types published on the hub.
const (
	TypeLicense       = "license"
	TypeCheckoutURL   = "checkoutUrl"
	TypeProductAccess = "productAccess"
)

// Message is one broadcast entry.
type Message struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// LicenseMessage is the payload of TypeLicense messages.
type LicenseMessage struct {
	license.Event
	View license.StatusView `json:"view"`
}

// Hub fans messages out to subscribers. It is a license.Notifier.
type Hub struct {
	mu          sync.RWMutex
	buffer      []Message
	bufferSize  int
	writePos    int
	count       int
	subscribers map[*Subscriber]struct{}
}

// Subscriber receives messages on a buffered channel.
type Subscriber struct {
	ch     chan Message
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub. If size <= 0, DefaultBufferSize is used.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Hub{
		buffer:      make([]Message, size),
		bufferSize:  size,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Notify implements license.Notifier.
func (h *Hub) Notify(ev license.Event) {
	h.Publish(TypeLicense, LicenseMessage{Event: ev, View: license.Describe(ev.State)})
}

// Publish stores a message and broadcasts it. Slow subscribers miss messages
// instead of blocking the publisher.
func (h *Hub) Publish(typ string, data any) Message {
	msg := Message{
		ID:   uuid.NewString(),
		Type: typ,
		Time: time.Now(),
		Data: data,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffer[h.writePos] = msg
	h.writePos = (h.writePos + 1) % h.bufferSize
	if h.count < h.bufferSize {
		h.count++
	}

	// inside the lock so Unsubscribe cannot close a channel mid-send
	for sub := range h.subscribers {
		select {
		case sub.ch <- msg:
		default:
		}
	}

	return msg
}

// History returns the last n messages, oldest first. n <= 0 returns everything.
func (h *Hub) History(n int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.count {
		n = h.count
	}
	if n == 0 {
		return nil
	}

	result := make([]Message, n)
	start := (h.writePos - n + h.bufferSize) % h.bufferSize
	for i := range n {
		result[i] = h.buffer[(start+i)%h.bufferSize]
	}
	return result
}

// Subscribe registers a subscriber that is removed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) *Subscriber {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscriber{
		ch:     make(chan Message, DefaultSubscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-subCtx.Done()
		h.Unsubscribe(sub)
	}()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		sub.cancel()
		close(sub.ch)
	}
	h.mu.Unlock()
}

func (s *Subscriber) Channel() <-chan Message {
	return s.ch
}

func (s *Subscriber) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
