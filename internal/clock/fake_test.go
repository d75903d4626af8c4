package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var got []string
	c.Schedule(func() { got = append(got, "b") }, 2*time.Second)
	c.Schedule(func() { got = append(got, "a") }, time.Second)
	c.Schedule(func() { got = append(got, "c") }, 5*time.Second)

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFake_CallbackSeesDeadline(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var seen time.Time
	c.Schedule(func() { seen = c.Now() }, 10*time.Second)
	c.Advance(time.Minute)

	assert.Equal(t, start.Add(10*time.Second), seen)
	assert.Equal(t, start.Add(time.Minute), c.Now())
}

func TestFake_CallbackCanReschedule(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fires := 0
	var tick func()
	tick = func() {
		fires++
		c.Schedule(tick, time.Second)
	}
	c.Schedule(tick, time.Second)

	c.Advance(5 * time.Second)
	assert.Equal(t, 5, fires)
	assert.Equal(t, 1, c.Pending())
}

func TestFake_Cancel(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	h := c.Schedule(func() { fired = true }, time.Second)
	require.True(t, h.Cancel())
	assert.False(t, h.Cancel(), "second cancel is a no-op")

	c.Advance(time.Hour)
	assert.False(t, fired)
	assert.Zero(t, c.Pending())
}

func TestReal_Cancel(t *testing.T) {
	fired := make(chan struct{}, 1)
	h := Real{}.Schedule(func() { fired <- struct{}{} }, time.Hour)
	assert.True(t, h.Cancel())

	select {
	case <-fired:
		t.Fatal("canceled callback ran")
	case <-time.After(20 * time.Millisecond):
	}
}
