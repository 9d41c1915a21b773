package query

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncerCommitsLastValue(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var got []string
	d := NewDebouncer(clock, 300*time.Millisecond, func(v string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	})

	d.Push("a")
	d.Push("an")
	clock.Advance(200 * time.Millisecond)
	d.Push("ann")
	assert.True(t, d.Pending())
	clock.Advance(299 * time.Millisecond)
	assert.Empty(t, got)

	clock.Advance(time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"ann"}, got)
	mu.Unlock()
	assert.False(t, d.Pending())
}

func TestDebouncerCancel(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	d := NewDebouncer(clock, time.Second, func(int) { calls.Add(1) })

	d.Push(1)
	d.Cancel()
	clock.Advance(2 * time.Second)
	d.Push(2)
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDebouncerZeroWindowCommitsImmediately(t *testing.T) {
	var got []int
	d := NewDebouncer(nil, 0, func(v int) { got = append(got, v) })
	d.Push(1)
	d.Push(2)
	assert.Equal(t, []int{1, 2}, got)
}
