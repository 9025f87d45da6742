package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type expiry struct {
	id  string
	gen uint64
	at  time.Time
}

func newTestTracker(t *testing.T, idle time.Duration) (*TypingTracker, chan expiry) {
	t.Helper()
	r := NewRegistry()
	_, _ = r.Register("conn-a")
	_, _ = r.Join("conn-a", "Alice")

	fired := make(chan expiry, 16)
	tr := NewTypingTracker(r, idle, func(id string, gen uint64) {
		fired <- expiry{id: id, gen: gen, at: time.Now()}
	})
	t.Cleanup(tr.Stop)
	return tr, fired
}

func TestTypingTransitions(t *testing.T) {
	req := require.New(t)
	tr, _ := newTestTracker(t, time.Minute)

	req.True(tr.MarkTyping("conn-a"))
	req.False(tr.MarkTyping("conn-a"))
	req.True(tr.IsTyping("conn-a"))
	req.Equal(1, tr.Active())

	req.True(tr.MarkStopped("conn-a"))
	req.False(tr.MarkStopped("conn-a"))
	req.False(tr.IsTyping("conn-a"))
	req.Equal(0, tr.Active())
}

func TestTypingExpiresAfterIdle(t *testing.T) {
	req := require.New(t)
	const idle = 40 * time.Millisecond
	tr, fired := newTestTracker(t, idle)

	start := time.Now()
	req.True(tr.MarkTyping("conn-a"))

	select {
	case e := <-fired:
		req.GreaterOrEqual(e.at.Sub(start), idle)
		req.True(tr.Expire(e.id, e.gen))
		req.False(tr.Expire(e.id, e.gen))
		req.False(tr.IsTyping("conn-a"))
	case <-time.After(time.Second):
		req.Fail("expiry never fired")
	}
}

func TestTypingRefreshSupersedesTimer(t *testing.T) {
	req := require.New(t)
	const idle = 60 * time.Millisecond
	tr, fired := newTestTracker(t, idle)

	req.True(tr.MarkTyping("conn-a"))
	time.Sleep(idle / 2)
	refreshed := time.Now()
	req.False(tr.MarkTyping("conn-a"))

	select {
	case e := <-fired:
		req.GreaterOrEqual(e.at.Sub(refreshed), idle)
		req.True(tr.Expire(e.id, e.gen))
	case <-time.After(time.Second):
		req.Fail("expiry never fired")
	}
}

func TestTypingStaleGenerationIgnored(t *testing.T) {
	req := require.New(t)
	tr, _ := newTestTracker(t, time.Minute)

	tr.MarkTyping("conn-a")
	tr.MarkStopped("conn-a")
	tr.MarkTyping("conn-a")

	// Generation 1 belonged to the first, cancelled, start.
	req.False(tr.Expire("conn-a", 1))
	req.True(tr.IsTyping("conn-a"))
	req.False(tr.Expire("unknown", 1))
}

func TestTypingRemove(t *testing.T) {
	req := require.New(t)
	tr, fired := newTestTracker(t, 20*time.Millisecond)

	req.False(tr.Remove("conn-a"))
	tr.MarkTyping("conn-a")
	req.True(tr.Remove("conn-a"))
	req.False(tr.IsTyping("conn-a"))

	req.Equal(0, tr.Active())

	select {
	case e := <-fired:
		req.Failf("timer fired after remove", "%+v", e)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestTypingUpdateCarriesName(t *testing.T) {
	tr, _ := newTestTracker(t, time.Minute)

	u := tr.Update("conn-a", true)
	require.Equal(t, TypingUpdate{ConnectionID: "conn-a", Name: "Alice", IsTyping: true}, u)

	u = tr.Update("gone", false)
	require.Equal(t, "", u.Name)
}
