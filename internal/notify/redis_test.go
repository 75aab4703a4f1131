// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/progate/internal/license"
)

type fakeRedis struct {
	mu        sync.Mutex
	published map[string][][]byte
	sets      map[string][]byte
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: map[string][][]byte{}, sets: map[string][]byte{}}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) publishedCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[channel])
}

func TestRedisPublisherCoalescesState(t *testing.T) {
	fake := newFakeRedis()
	p := NewRedisPublisher(fake, "")

	for i := range 5 {
		p.Notify(license.Event{
			Kind:      license.EventState,
			ProductID: "prod",
			State:     license.State{Record: license.Record{TrialDaysRemaining: i}},
		})
	}
	p.Notify(license.Event{Kind: license.EventOutcome, ProductID: "prod", Outcome: license.OutcomeVerified})

	require.NoError(t, p.Close())

	assert.Equal(t, "progate:license:prod:events", p.Channel("prod"))
	assert.Equal(t, 2, fake.publishedCount(p.Channel("prod")))

	fake.mu.Lock()
	raw := fake.sets[p.StateKey("prod")]
	fake.mu.Unlock()
	require.NotNil(t, raw)

	var ev license.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, 4, ev.State.Record.TrialDaysRemaining)
}

func TestRedisPublisherIgnoresAfterClose(t *testing.T) {
	fake := newFakeRedis()
	p := NewRedisPublisher(fake, "custom")
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	p.Notify(license.Event{Kind: license.EventOutcome, ProductID: "prod"})
	assert.Equal(t, 0, fake.publishedCount(p.Channel("prod")))
}
