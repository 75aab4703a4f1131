// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerRunsLatest(t *testing.T) {
	d := New(20 * time.Millisecond)

	var calls atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 5; i++ {
		d.Do(func() {
			calls.Add(1)
			last.Store(int32(i))
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 5, last.Load())

	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDebouncerStopFlushes(t *testing.T) {
	d := New(time.Hour)

	var calls atomic.Int32
	d.Do(func() { calls.Add(1) })
	d.Stop()
	assert.EqualValues(t, 1, calls.Load())

	d.Do(func() { calls.Add(1) })
	d.Flush()
	assert.EqualValues(t, 1, calls.Load())
}
