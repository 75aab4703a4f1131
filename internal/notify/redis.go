// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/pkg/debounce"
)

const (
	defaultRedisPrefix   = "progate:license"
	redisQueueSize       = 64
	redisWriteTimeout    = 5 * time.Second
	stateDebounceWindow  = 250 * time.Millisecond
	redisStateExpiration = 0
)

// ConnectRedis initializes a client from a redis:// URL or host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type redisItem struct {
	event license.Event
	state bool
}

// RedisPublisher mirrors engine events to Redis so other processes can follow
// the license state. Bursts of state changes are coalesced.
type RedisPublisher struct {
	client   redisClient
	prefix   string
	queue    chan redisItem
	debounce *debounce.Debouncer

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRedisPublisher(client redisClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	p := &RedisPublisher{
		client:   client,
		prefix:   prefix,
		queue:    make(chan redisItem, redisQueueSize),
		debounce: debounce.New(stateDebounceWindow),
		done:     make(chan struct{}),
	}

	go p.run()

	return p
}

// Notify implements license.Notifier.
func (p *RedisPublisher) Notify(ev license.Event) {
	if ev.Kind == license.EventState {
		p.debounce.Do(func() {
			p.enqueue(redisItem{event: ev, state: true})
		})
		return
	}
	p.enqueue(redisItem{event: ev})
}

func (p *RedisPublisher) enqueue(item redisItem) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	select {
	case p.queue <- item:
	default:
		log.Warn().Str("kind", string(item.event.Kind)).Msg("Redis publish queue full, dropping license event")
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)

	for item := range p.queue {
		p.write(item)
	}
}

func (p *RedisPublisher) write(item redisItem) {
	payload, err := json.Marshal(item.event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode license event for redis")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	if item.state {
		if err := p.client.Set(ctx, p.StateKey(item.event.ProductID), payload, redisStateExpiration).Err(); err != nil {
			log.Error().Err(err).Msg("Failed to store license state in redis")
		}
	}

	if err := p.client.Publish(ctx, p.Channel(item.event.ProductID), payload).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to publish license event to redis")
	}
}

// Channel is the pub/sub channel for a product's events.
func (p *RedisPublisher) Channel(productID string) string {
	return p.prefix + ":" + productID + ":events"
}

// StateKey holds the latest state snapshot for a product.
func (p *RedisPublisher) StateKey(productID string) string {
	return p.prefix + ":" + productID + ":state"
}

// Close flushes a pending state write and waits for the queue to drain.
func (p *RedisPublisher) Close() error {
	p.debounce.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return nil
}
