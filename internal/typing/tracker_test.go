package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fired struct {
	key string
	gen uint64
}

func collector() (ExpireFunc, func() []fired) {
	var (
		mu  sync.Mutex
		got []fired
	)
	return func(key string, gen uint64) {
			mu.Lock()
			got = append(got, fired{key, gen})
			mu.Unlock()
		}, func() []fired {
			mu.Lock()
			defer mu.Unlock()
			return append([]fired(nil), got...)
		}
}

func TestTracker_TouchTransitions(t *testing.T) {
	tr := New(time.Hour, nil)
	defer tr.StopAll()

	assert.True(t, tr.Touch("alice"), "first touch starts typing")
	assert.False(t, tr.Touch("alice"), "refresh is not a transition")
	assert.True(t, tr.IsTyping("alice"))
	assert.Equal(t, 1, tr.Len())

	assert.True(t, tr.Stop("alice"))
	assert.False(t, tr.Stop("alice"), "stopping an idle user changes nothing")
	assert.False(t, tr.IsTyping("alice"))
}

func TestTracker_RapidTouchesKeepOneTimer(t *testing.T) {
	onExpire, got := collector()
	tr := New(40*time.Millisecond, onExpire)

	for i := 0; i < 50; i++ {
		tr.Touch("alice")
	}

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	fires := got()
	require.Len(t, fires, 1, "cancelled timers must never fire")
	assert.Equal(t, "alice", fires[0].key)
	assert.True(t, tr.Expire(fires[0].key, fires[0].gen))
	assert.False(t, tr.IsTyping("alice"))
}

func TestTracker_StaleGenerationIgnored(t *testing.T) {
	tr := New(time.Hour, nil)
	defer tr.StopAll()

	tr.Touch("bob")
	stale := tr.gen
	tr.Touch("bob")

	assert.False(t, tr.Expire("bob", stale), "expiry of a replaced timer is ignored")
	assert.True(t, tr.IsTyping("bob"))
	assert.True(t, tr.Expire("bob", tr.gen))
	assert.False(t, tr.Expire("bob", tr.gen), "second expiry is a no-op")
}

func TestTracker_StopAllCancelsTimers(t *testing.T) {
	onExpire, got := collector()
	tr := New(20*time.Millisecond, onExpire)
	tr.Touch("a")
	tr.Touch("b")
	assert.Equal(t, []string{"a", "b"}, tr.Typing())

	tr.StopAll()
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, got())
	assert.Zero(t, tr.Len())
}

func TestTracker_DefaultWindow(t *testing.T) {
	assert.Equal(t, DefaultWindow, New(0, nil).Window())
}
