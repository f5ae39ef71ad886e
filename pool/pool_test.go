// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains n values from ch, failing the test if they do not
// all arrive within a generous deadline.
func collect(t *testing.T, ch <-chan interface{}, n int) []interface{} {
	var out []interface{}
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-deadline:
			t.Fatalf("only received %d of %d jobs", len(out), n)
		}
	}
	return out
}

func TestPoolValidation(t *testing.T) {
	handler := func(interface{}) {}

	_, err := New(0, 0, 0, handler)
	assert.Error(t, err)

	_, err = New(5, 2, 0, handler)
	assert.Error(t, err)

	_, err = New(-1, 2, 0, handler)
	assert.Error(t, err)

	_, err = New(0, 1, 0, nil)
	assert.Error(t, err)

	p, err := New(1, 2, 1, handler)
	require.NoError(t, err)
	assert.Equal(t, 1, p.MinWorkers())
	assert.Equal(t, 2, p.MaxWorkers())
	assert.Equal(t, 1, p.PriorityWorkers())
	p.Free()
}

func TestPoolRunsJobs(t *testing.T) {
	done := make(chan interface{}, 16)
	p, err := New(2, 4, 0, func(job interface{}) { done <- job })
	require.NoError(t, err)
	defer p.Free()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.SendJob(0, i))
	}
	got := collect(t, done, 10)

	seen := make(map[int]bool)
	for _, v := range got {
		seen[v.(int)] = true
	}
	assert.Len(t, seen, 10)
}

// TestPoolPriorityBypass blocks the only general worker on a normal
// job and checks that a priority job still completes on the dedicated
// priority worker.
func TestPoolPriorityBypass(t *testing.T) {
	block := make(chan struct{})
	done := make(chan interface{}, 4)
	p, err := New(1, 1, 1, func(job interface{}) {
		if job == "blocker" {
			<-block
		}
		done <- job
	})
	require.NoError(t, err)

	require.NoError(t, p.SendJob(0, "blocker"))
	// Give the general worker a moment to pick the blocker up.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.SendJob(1, "urgent"))

	select {
	case v := <-done:
		assert.Equal(t, "urgent", v)
	case <-time.After(5 * time.Second):
		t.Fatal("priority job never ran")
	}

	close(block)
	collect(t, done, 1)
	p.Free()
}

// TestPoolGrowsOnDemand starts with no idle workers and checks that
// submissions beyond the minimum still all run.
func TestPoolGrowsOnDemand(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	done := make(chan interface{}, 32)
	p, err := New(0, 8, 0, func(job interface{}) {
		mu.Lock()
		ran++
		mu.Unlock()
		done <- job
	})
	require.NoError(t, err)
	defer p.Free()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.SendJob(0, i))
	}
	collect(t, done, 20)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, ran)
}

func TestPoolStopped(t *testing.T) {
	p, err := New(1, 2, 0, func(interface{}) {})
	require.NoError(t, err)

	p.Free()
	assert.Equal(t, ErrStopped, p.SendJob(0, "late"))

	// Free is idempotent.
	p.Free()
}

// TestPoolFreeWaits checks that Free does not return while a worker
// is still inside the handler.
func TestPoolFreeWaits(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	var mu sync.Mutex
	completed := false

	p, err := New(1, 1, 0, func(interface{}) {
		close(started)
		<-finish
		mu.Lock()
		completed = true
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, p.SendJob(0, "slow"))
	<-started

	freed := make(chan struct{})
	go func() {
		p.Free()
		close(freed)
	}()

	select {
	case <-freed:
		t.Fatal("Free returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	select {
	case <-freed:
	case <-time.After(5 * time.Second):
		t.Fatal("Free never returned")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, completed)
}
