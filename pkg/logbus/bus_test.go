package logbus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendSetsTimestampAndPreservesOrder(t *testing.T) {
	t.Parallel()

	b := New()
	for i := 0; i < 3; i++ {
		b.Append(Entry{Level: "info", Message: fmt.Sprintf("m%d", i)})
	}

	got := b.Recent(0)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), e.Message)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestAppendEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	b := New()
	for i := 0; i < Capacity+1; i++ {
		b.Append(Entry{Message: fmt.Sprintf("m%d", i)})
	}

	assert.Equal(t, Capacity, b.Len())
	got := b.Recent(0)
	assert.Equal(t, "m1", got[0].Message)
	assert.Equal(t, fmt.Sprintf("m%d", Capacity), got[len(got)-1].Message)
}

func TestRecentLimits(t *testing.T) {
	t.Parallel()

	b := New()
	for i := 0; i < 5; i++ {
		b.Append(Entry{Message: fmt.Sprintf("m%d", i)})
	}

	got := b.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].Message)
	assert.Equal(t, "m4", got[1].Message)

	// A limit beyond the stored count returns everything.
	assert.Len(t, b.Recent(50), 5)
	assert.Len(t, b.Recent(-1), 5)
}

func TestSubscribeDeliversInAppendOrder(t *testing.T) {
	t.Parallel()

	b := New()
	var seen []string
	cancel := b.Subscribe(func(e Entry) error {
		seen = append(seen, e.Message)
		return nil
	})
	defer cancel()

	b.Append(Entry{Message: "a"})
	b.Append(Entry{Message: "b"})

	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	var seen int
	cancel := b.Subscribe(func(Entry) error {
		seen++
		return nil
	})

	b.Append(Entry{Message: "a"})
	cancel()
	b.Append(Entry{Message: "b"})

	assert.Equal(t, 1, seen)
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	t.Parallel()

	b := New()
	var calls int
	b.Subscribe(func(Entry) error {
		calls++
		return errors.New("overflow")
	})

	b.Append(Entry{Message: "a"})
	b.Append(Entry{Message: "b"})

	assert.Equal(t, 1, calls)
}
