package electrum

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"walletnet/internal/catalog"
	"walletnet/internal/hub"
	"walletnet/internal/neterr"
	"walletnet/internal/status"
)

func nextEvent(t *testing.T, s *hub.Stream) hub.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return hub.Event{}
	}
}

func TestAddressWatcher_WithHub(t *testing.T) {
	n := newFakeNet(epA)
	n.server(epA).handle(MethodScriptHashSub, func(params []any) (any, error) {
		switch params[0] {
		case "used":
			return "status-1", nil
		case "broken":
			return nil, rejected("invalid script hash")
		}
		return nil, nil
	})
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA})
	w := NewAddressWatcher(c, 4, zerolog.Nop())

	h, err := hub.New(w, hub.Config{DebounceInterval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer h.Close()
	w.Attach(h)

	s, err := h.MakeStream("wallet")
	require.NoError(t, err)
	require.NoError(t, h.Subscribe("wallet", "used"))
	require.NoError(t, h.Subscribe("wallet", "fresh"))
	require.NoError(t, h.Subscribe("wallet", "broken"))

	events := map[string]hub.Event{}
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, s)
		events[ev.Address] = ev
	}
	require.Equal(t, "status-1", events["used"].Status)
	require.NoError(t, events["fresh"].Err)
	require.Equal(t, "", events["fresh"].Status)
	require.True(t, neterr.IsKind(events["broken"].Err, neterr.KindServerRejected))
	require.Equal(t, 2, w.Count())

	n.server(epA).notify(MethodScriptHashSub+"/used", "status-2")
	ev := nextEvent(t, s)
	require.Equal(t, "used", ev.Address)
	require.Equal(t, "status-2", ev.Status)

	require.NoError(t, h.Unsubscribe(context.Background(), "wallet", "used"))
	require.Equal(t, 1, w.Count())
	require.Eventually(t, func() bool {
		return n.server(epA).streamCount(MethodScriptHashSub+"/used") == 0
	}, time.Second, time.Millisecond)
}

func TestAddressWatcher_ReusesLiveSubscription(t *testing.T) {
	n := newFakeNet(epA)
	n.server(epA).handle(MethodScriptHashSub, func(params []any) (any, error) {
		return "status-" + params[0].(string), nil
	})
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA})
	w := NewAddressWatcher(c, 0, zerolog.Nop())
	ctx := context.Background()

	first := w.SubscribeBatch(ctx, []string{"a", "b"})
	require.Len(t, first, 2)
	for _, r := range first {
		require.NoError(t, r.Err)
		require.Equal(t, "status-"+r.Address, r.Status)
	}

	again := w.SubscribeBatch(ctx, []string{"a", "b"})
	require.Equal(t, first, again)
	require.Equal(t, 2, n.server(epA).count(MethodScriptHashSub))

	hashes, err := c.Mempool(ctx)
	require.NoError(t, err)
	require.Empty(t, hashes)
	require.Equal(t, 2, n.server(epA).count(MethodScriptHashMempool), "subscribed script hashes are tracked")
}

type recordingSink struct {
	mu     sync.Mutex
	values []bool
}

func (s *recordingSink) SetConnectionActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, active)
}

func (s *recordingSink) all() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.values...)
}

type broadcasterSource struct {
	b *status.Broadcaster
}

func (s broadcasterSource) WatchStatus() (<-chan status.Status, func()) {
	return s.b.Subscribe()
}

func TestBindConnectivity(t *testing.T) {
	b := status.NewBroadcaster(status.Offline)
	sink := &recordingSink{}
	stop := BindConnectivity(broadcasterSource{b}, sink)

	b.Publish(status.Connecting)
	b.Publish(status.Online)
	b.Publish(status.Offline)

	require.Eventually(t, func() bool { return len(sink.all()) == 4 }, time.Second, time.Millisecond)
	require.Equal(t, []bool{false, false, true, false}, sink.all())

	stop()
	b.Publish(status.Online)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, sink.all(), 4)
}

func TestAddressWatcher_PoolActivityKeepsSubscriptions(t *testing.T) {
	n := newFakeNet(epA)
	n.server(epA).handle(MethodScriptHashSub, func(params []any) (any, error) {
		return "status-1", nil
	})
	n.server(epA).handle(MethodRelayFee, func(params []any) (any, error) {
		return 0.00001, nil
	})
	c, p := newTestClient(t, n, []catalog.Endpoint{epA})
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	w := NewAddressWatcher(c, 4, zerolog.Nop())
	h, err := hub.New(w, hub.Config{DebounceInterval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer h.Close()
	w.Attach(h)
	unbind := BindConnectivity(p, h)
	defer unbind()

	s, err := h.MakeStream("wallet")
	require.NoError(t, err)
	require.NoError(t, h.Subscribe("wallet", "addr1"))
	ev := nextEvent(t, s)
	require.Equal(t, "status-1", ev.Status)

	for i := 0; i < 5; i++ {
		_, err := c.RelayFee(ctx)
		require.NoError(t, err)
		p.Probe(ctx)
	}
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, status.Online, p.Status())
	require.Equal(t, 1, n.server(epA).count(MethodScriptHashSub))
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
