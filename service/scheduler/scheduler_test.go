package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/sealbid/lib/auction"
)

type recorder struct {
	mu    sync.Mutex
	fired map[auction.ID][]time.Time
}

func newRecorder() *recorder {
	return &recorder{fired: make(map[auction.ID][]time.Time)}
}

func (r *recorder) handle(id auction.ID, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired[id] = append(r.fired[id], deadline)
}

func (r *recorder) count(id auction.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired[id])
}

func TestArmFiresOnce(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(r.handle)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	deadline := time.Now().Add(20 * time.Millisecond)
	s.Arm("a1", deadline)
	got, ok := s.Deadline("a1")
	require.True(t, ok)
	assert.True(t, deadline.Equal(got))

	require.Eventually(t, func() bool { return r.count("a1") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.count("a1"))
	assert.Equal(t, 0, s.Len())
}

func TestRearmReplaces(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(r.handle)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	s.Arm("a1", time.Now().Add(20*time.Millisecond))
	later := time.Now().Add(80 * time.Millisecond)
	s.Arm("a1", later)
	assert.Equal(t, 1, s.Len())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.count("a1"))
	require.Eventually(t, func() bool { return r.count("a1") == 1 }, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	assert.True(t, later.Equal(r.fired["a1"][0]))
	r.mu.Unlock()
}

func TestDisarm(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(r.handle)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	s.Arm("a1", time.Now().Add(20*time.Millisecond))
	assert.True(t, s.Disarm("a1"))
	assert.False(t, s.Disarm("a1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.count("a1"))
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(r.handle)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	s.Arm("a1", time.Now().Add(-time.Hour))
	require.Eventually(t, func() bool { return r.count("a1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestIndependentAuctions(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(r.handle)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	for i := 0; i < 50; i++ {
		s.Arm(auction.ID(fmt.Sprintf("a%02d", i)), time.Now().Add(50*time.Millisecond))
	}
	s.Disarm("a00")
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.count("a01") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.count("a00"))
}

func TestClose(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(r.handle)

	s.Arm("a1", time.Now().Add(20*time.Millisecond))
	require.NoError(t, s.Close())
	s.Arm("a2", time.Now())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.count("a1"))
	assert.Equal(t, 0, r.count("a2"))
	assert.Equal(t, 0, s.Len())
}
