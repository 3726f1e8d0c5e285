package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handler(peer string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, peer+":"+string(data))
}

func (b *inbox) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func quietNetwork(opts ...NetworkOption) *Network {
	return NewNetwork(append([]NetworkOption{WithNetworkLogger(slog.New(slog.DiscardHandler))}, opts...)...)
}

func TestNetwork_BroadcastAndSend(t *testing.T) {
	n := quietNetwork(WithManualDelivery())
	var a, b, c inbox
	require.NoError(t, n.Endpoint("a").Join("s", a.handler))
	require.NoError(t, n.Endpoint("b").Join("s", b.handler))
	require.NoError(t, n.Endpoint("c").Join("other", c.handler))

	require.NoError(t, n.Endpoint("a").Broadcast("s", []byte("hi")))
	require.NoError(t, n.Endpoint("b").Send("s", "a", []byte("back")))
	assert.Equal(t, 2, n.Pending())
	assert.Equal(t, 2, n.Flush())

	assert.Equal(t, []string{"b:back"}, a.all())
	assert.Equal(t, []string{"a:hi"}, b.all())
	assert.Empty(t, c.all(), "other spaces are not reached")
}

func TestNetwork_LeaveDrops(t *testing.T) {
	n := quietNetwork(WithManualDelivery())
	var b inbox
	require.NoError(t, n.Endpoint("b").Join("s", b.handler))
	require.NoError(t, n.Endpoint("a").Send("s", "b", []byte("x")))
	require.NoError(t, n.Endpoint("b").Leave("s"))
	n.Flush()

	assert.Empty(t, b.all())
	_, dropped := n.Stats()
	assert.Equal(t, 1, dropped)
}

func TestNetwork_Partition(t *testing.T) {
	n := quietNetwork(WithManualDelivery())
	var b inbox
	require.NoError(t, n.Endpoint("b").Join("s", b.handler))

	n.Partition("a", "b")
	require.NoError(t, n.Endpoint("a").Send("s", "b", []byte("lost")))
	n.Flush()
	n.Heal()
	require.NoError(t, n.Endpoint("a").Send("s", "b", []byte("found")))
	n.Flush()

	assert.Equal(t, []string{"a:found"}, b.all())
}

func TestNetwork_DuplicationAndReordering(t *testing.T) {
	n := quietNetwork(WithManualDelivery(), WithDuplication(1), WithReordering(42))
	var b inbox
	require.NoError(t, n.Endpoint("b").Join("s", b.handler))

	for i := range 10 {
		require.NoError(t, n.Endpoint("a").Send("s", "b", []byte(fmt.Sprint(i))))
	}
	assert.Equal(t, 20, n.Flush())

	got := b.all()
	assert.Len(t, got, 20)
	seen := map[string]int{}
	for _, m := range got {
		seen[m]++
	}
	for i := range 10 {
		assert.Equal(t, 2, seen[fmt.Sprintf("a:%d", i)])
	}

	ordered := make([]string, 0, 20)
	for i := range 10 {
		ordered = append(ordered, fmt.Sprintf("a:%d", i), fmt.Sprintf("a:%d", i))
	}
	assert.NotEqual(t, ordered, got, "seeded reordering shuffles delivery")
}

func TestNetwork_BackgroundDelivery(t *testing.T) {
	n := quietNetwork()
	defer n.Close()

	var b inbox
	require.NoError(t, n.Endpoint("b").Join("s", b.handler))
	require.NoError(t, n.Endpoint("a").Broadcast("s", []byte("async")))

	require.Eventually(t, func() bool { return len(b.all()) == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, n.Close())
}

func TestEndpoint_JoinRequiresHandler(t *testing.T) {
	n := quietNetwork(WithManualDelivery())
	assert.Error(t, n.Endpoint("a").Join("s", nil))
}
