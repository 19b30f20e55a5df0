package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shieldchat/presence/internal/presence"
	"github.com/shieldchat/presence/internal/realtime"
	"github.com/shieldchat/presence/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 3 * time.Second
	pollEvery   = 10 * time.Millisecond
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

func startPresenceServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv := server.New()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, wsURL(ts)
}

func testConfig(url, identity string) Config {
	return Config{
		ServerURL:         url,
		Identity:          identity,
		MaxAttempts:       3,
		BaseDelay:         5 * time.Millisecond,
		TypingTimeout:     time.Hour,
		HeartbeatInterval: time.Hour,
	}
}

func startAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a := New(cfg)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Start(context.Background()))
	return a
}

func connected(a *Agent) func() bool {
	return func() bool { return a.Status() == StatusConnected }
}

// frameServer is a bare WebSocket endpoint that records what clients send.
type frameServer struct {
	ts       *httptest.Server
	frames   chan frame
	conns    atomic.Int32
	dropConn func(n int32, env *realtime.Envelope) bool
}

type frame struct {
	conn int32
	env  *realtime.Envelope
}

func newFrameServer(t *testing.T) *frameServer {
	t.Helper()
	fs := &frameServer{frames: make(chan frame, 256)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := fs.conns.Add(1)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := realtime.DecodeEnvelope(data)
			if err != nil {
				continue
			}
			fs.frames <- frame{conn: n, env: env}
			if fs.dropConn != nil && fs.dropConn(n, env) {
				return
			}
		}
	}))
	t.Cleanup(fs.ts.Close)
	return fs
}

func (fs *frameServer) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

// expect reads len(types) frames and checks their order.
func (fs *frameServer) expect(t *testing.T, conn int32, types ...string) []*realtime.Envelope {
	t.Helper()
	envs := make([]*realtime.Envelope, 0, len(types))
	for _, want := range types {
		f := fs.next(t)
		require.Equal(t, conn, f.conn, "frame %s arrived on the wrong connection", f.env.Type)
		require.Equal(t, want, f.env.Type)
		envs = append(envs, f.env)
	}
	return envs
}

func TestNewAppliesDefaults(t *testing.T) {
	a := New(Config{ServerURL: "ws://example", Identity: "W1"})
	assert.Equal(t, 5, a.cfg.MaxAttempts)
	assert.Equal(t, time.Second, a.cfg.BaseDelay)
	assert.Equal(t, 3*time.Second, a.cfg.TypingTimeout)
	assert.Equal(t, 5*time.Second, a.cfg.HeartbeatInterval)
	assert.Equal(t, StatusDisconnected, a.Status())
	assert.Equal(t, "W1", a.Identity())
}

func TestStartRequiresURL(t *testing.T) {
	a := New(Config{Identity: "W1"})
	assert.Error(t, a.Start(context.Background()))
}

func TestReplayOrderOnConnect(t *testing.T) {
	fs := newFrameServer(t)
	a := New(testConfig(wsURL(fs.ts), "W1"))
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Subscribe("c2"))
	require.NoError(t, a.MarkAsRead("c1", 9))
	assert.Equal(t, 1, a.Pending())

	require.NoError(t, a.Start(context.Background()))

	envs := fs.expect(t, 1,
		realtime.TypeIdentify,
		realtime.TypeSubscribe, realtime.TypeSetOnline,
		realtime.TypeSubscribe, realtime.TypeSetOnline,
		realtime.TypeMarkRead,
	)
	assert.Equal(t, "W1", envs[0].Identity)
	assert.Equal(t, "c1", envs[1].ChannelID)
	assert.True(t, *envs[2].IsOnline)
	assert.Equal(t, "c2", envs[3].ChannelID)
	assert.Equal(t, int64(9), *envs[5].MessageNumber)

	require.Eventually(t, connected(a), waitTimeout, pollEvery)
	assert.Equal(t, 0, a.Pending())
}

func TestReplayAfterConnectionLoss(t *testing.T) {
	fs := newFrameServer(t)
	// drop the first connection once it has seen the online flag
	fs.dropConn = func(n int32, env *realtime.Envelope) bool {
		return n == 1 && env.Type == realtime.TypeSetOnline
	}

	a := New(testConfig(wsURL(fs.ts), "W1"))
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Start(context.Background()))

	fs.expect(t, 1, realtime.TypeIdentify, realtime.TypeSubscribe, realtime.TypeSetOnline)
	envs := fs.expect(t, 2, realtime.TypeIdentify, realtime.TypeSubscribe, realtime.TypeSetOnline)
	assert.Equal(t, "c1", envs[1].ChannelID)

	require.Eventually(t, connected(a), waitTimeout, pollEvery)
	assert.False(t, a.Exhausted())
}

func TestUnsubscribeSendsOfflineFirst(t *testing.T) {
	fs := newFrameServer(t)
	a := New(testConfig(wsURL(fs.ts), "W1"))
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Start(context.Background()))
	fs.expect(t, 1, realtime.TypeIdentify, realtime.TypeSubscribe, realtime.TypeSetOnline)
	require.Eventually(t, connected(a), waitTimeout, pollEvery)

	require.NoError(t, a.Unsubscribe("c1"))

	envs := fs.expect(t, 1, realtime.TypeSetOnline, realtime.TypeUnsubscribe)
	assert.False(t, *envs[0].IsOnline)
	assert.Equal(t, "c1", envs[1].ChannelID)
	assert.Empty(t, a.Channels())
	assert.Empty(t, a.Presences("c1"))
}

func TestResubscribeWhileDisconnectedDropsQueuedLeave(t *testing.T) {
	fs := newFrameServer(t)
	a := New(testConfig(wsURL(fs.ts), "W1"))
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Unsubscribe("c1"))
	assert.Equal(t, 2, a.Pending())
	require.NoError(t, a.Subscribe("c1"))
	assert.Equal(t, 0, a.Pending())

	require.NoError(t, a.Start(context.Background()))
	envs := fs.expect(t, 1, realtime.TypeIdentify, realtime.TypeSubscribe, realtime.TypeSetOnline)
	assert.Equal(t, "c1", envs[1].ChannelID)
	assert.True(t, *envs[2].IsOnline)
	require.Eventually(t, connected(a), waitTimeout, pollEvery)

	// the next frame on the wire is ours, not a stale leave
	require.NoError(t, a.MarkAsRead("c1", 4))
	envs = fs.expect(t, 1, realtime.TypeMarkRead)
	assert.Equal(t, int64(4), *envs[0].MessageNumber)
	assert.Equal(t, []string{"c1"}, a.Channels())
}

func TestUnsubscribeWhileDisconnectedFlushesAfterReplay(t *testing.T) {
	fs := newFrameServer(t)
	a := New(testConfig(wsURL(fs.ts), "W1"))
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Subscribe("c2"))
	require.NoError(t, a.Unsubscribe("c2"))
	require.NoError(t, a.SetOnline("c1", false))
	assert.Equal(t, 3, a.Pending())

	require.NoError(t, a.Start(context.Background()))
	envs := fs.expect(t, 1,
		realtime.TypeIdentify,
		realtime.TypeSubscribe, realtime.TypeSetOnline,
		realtime.TypeSetOnline, realtime.TypeUnsubscribe,
		realtime.TypeSetOnline,
	)
	assert.Equal(t, "c1", envs[1].ChannelID)
	assert.Equal(t, "c2", envs[3].ChannelID)
	assert.False(t, *envs[3].IsOnline)
	assert.Equal(t, "c2", envs[4].ChannelID)
	// an explicit offline flag is not a leave and survives
	assert.Equal(t, "c1", envs[5].ChannelID)
	assert.False(t, *envs[5].IsOnline)

	require.Eventually(t, connected(a), waitTimeout, pollEvery)
	assert.Equal(t, 0, a.Pending())
}

func TestResubscribeWhileDisconnectedStaysSubscribed(t *testing.T) {
	srv, url := startPresenceServer(t)

	w1 := New(testConfig(url, "W1"))
	t.Cleanup(func() { w1.Close() })
	require.NoError(t, w1.Subscribe("c1"))
	require.NoError(t, w1.Unsubscribe("c1"))
	require.NoError(t, w1.Subscribe("c1"))
	require.NoError(t, w1.Start(context.Background()))
	require.Eventually(t, connected(w1), waitTimeout, pollEvery)

	w2 := startAgent(t, testConfig(url, "W2"))
	require.NoError(t, w2.Subscribe("c1"))
	require.Eventually(t, connected(w2), waitTimeout, pollEvery)
	require.NoError(t, w2.SetTyping("c1", true))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"W2"}, w1.TypingUsers("c1"))
	}, waitTimeout, pollEvery)

	r, ok := srv.RealtimeService().Hub().Store().Get("c1", "W1")
	require.True(t, ok)
	assert.True(t, r.IsOnline)
	assert.Equal(t, 0, w1.Pending())
}

func TestReconnectWaitsBaseDelay(t *testing.T) {
	fs := newFrameServer(t)
	fs.dropConn = func(n int32, env *realtime.Envelope) bool {
		return n == 1 && env.Type == realtime.TypeSetOnline
	}
	cfg := testConfig(wsURL(fs.ts), "W1")
	cfg.BaseDelay = 150 * time.Millisecond
	a := New(cfg)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Start(context.Background()))

	fs.expect(t, 1, realtime.TypeIdentify, realtime.TypeSubscribe, realtime.TypeSetOnline)
	lost := time.Now()
	fs.expect(t, 2, realtime.TypeIdentify)
	assert.GreaterOrEqual(t, time.Since(lost), 100*time.Millisecond)
	require.Eventually(t, connected(a), waitTimeout, pollEvery)
}

func TestHeartbeatsWhileConnected(t *testing.T) {
	fs := newFrameServer(t)
	cfg := testConfig(wsURL(fs.ts), "W1")
	cfg.HeartbeatInterval = 20 * time.Millisecond
	a := New(cfg)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Start(context.Background()))
	fs.expect(t, 1, realtime.TypeIdentify)
	fs.expect(t, 1, realtime.TypeHeartbeat)
	fs.expect(t, 1, realtime.TypeHeartbeat)
}

func TestHeartbeatsAreNotQueued(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/", "W1")
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.MaxAttempts = 1
	a := New(cfg)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, a.Exhausted, waitTimeout, pollEvery)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, a.Pending())
}

func TestTypingAutoClears(t *testing.T) {
	fs := newFrameServer(t)
	cfg := testConfig(wsURL(fs.ts), "W1")
	cfg.TypingTimeout = 30 * time.Millisecond
	a := New(cfg)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Start(context.Background()))
	fs.expect(t, 1, realtime.TypeIdentify, realtime.TypeSubscribe, realtime.TypeSetOnline)
	require.Eventually(t, connected(a), waitTimeout, pollEvery)

	require.NoError(t, a.SetTyping("c1", true))
	envs := fs.expect(t, 1, realtime.TypeSetTyping, realtime.TypeSetTyping)
	assert.True(t, *envs[0].IsTyping)
	assert.False(t, *envs[1].IsTyping)

	for _, r := range a.Presences("c1") {
		assert.False(t, r.IsTyping)
	}
}

func TestTypingRenewalRestartsTimer(t *testing.T) {
	fs := newFrameServer(t)
	cfg := testConfig(wsURL(fs.ts), "W1")
	cfg.TypingTimeout = 200 * time.Millisecond
	a := New(cfg)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Start(context.Background()))
	fs.expect(t, 1, realtime.TypeIdentify)
	require.Eventually(t, connected(a), waitTimeout, pollEvery)

	require.NoError(t, a.SetTyping("c1", true))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, a.SetTyping("c1", true))

	envs := fs.expect(t, 1, realtime.TypeSetTyping, realtime.TypeSetTyping, realtime.TypeSetTyping)
	assert.True(t, *envs[0].IsTyping)
	assert.True(t, *envs[1].IsTyping)
	assert.False(t, *envs[2].IsTyping)

	select {
	case f := <-fs.frames:
		t.Fatalf("unexpected extra frame %s", f.env.Type)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRetriesExhaustThenReconnect(t *testing.T) {
	var accept atomic.Bool
	var dials atomic.Int32
	srv := server.New()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		if !accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		srv.Router().ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	var mu sync.Mutex
	var seen []Status
	a := New(testConfig(wsURL(ts), "W1"))
	a.OnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Subscribe("c1"))
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, a.Exhausted, waitTimeout, pollEvery)
	<-a.Done()
	assert.Equal(t, StatusDisconnected, a.Status())
	assert.Equal(t, int32(3), dials.Load())

	mu.Lock()
	assert.Contains(t, seen, StatusConnecting)
	assert.NotContains(t, seen, StatusConnected)
	mu.Unlock()

	accept.Store(true)
	require.NoError(t, a.Reconnect(context.Background()))
	require.Eventually(t, connected(a), waitTimeout, pollEvery)
	assert.False(t, a.Exhausted())

	// state was rebuilt on the server by the replay
	require.Eventually(t, func() bool {
		r, ok := srv.RealtimeService().Hub().Store().Get("c1", "W1")
		return ok && r.IsOnline
	}, waitTimeout, pollEvery)
}

func TestPresenceBetweenAgents(t *testing.T) {
	srv, url := startPresenceServer(t)

	alice := startAgent(t, testConfig(url, "alice"))
	require.NoError(t, alice.Subscribe("c1"))
	require.Eventually(t, connected(alice), waitTimeout, pollEvery)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, alice.OnlineUsers("c1"))
	}, waitTimeout, pollEvery)

	updates := make(chan []presence.Record, 16)
	bob := New(testConfig(url, "bob"))
	bob.OnUpdate(func(channelID string, records []presence.Record) {
		if channelID != "c1" {
			return
		}
		select {
		case updates <- records:
		default:
		}
	})
	t.Cleanup(func() { bob.Close() })
	require.NoError(t, bob.Subscribe("c1"))
	require.NoError(t, bob.Start(context.Background()))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, bob.OnlineUsers("c1"))
	}, waitTimeout, pollEvery)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, alice.OnlineUsers("c1"))
	}, waitTimeout, pollEvery)
	assert.NotEmpty(t, updates)

	require.NoError(t, alice.SetTyping("c1", true))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, bob.TypingUsers("c1"))
	}, waitTimeout, pollEvery)
	assert.Empty(t, alice.TypingUsers("c1"))

	require.NoError(t, alice.MarkAsRead("c1", 42))
	require.Eventually(t, func() bool {
		for _, r := range bob.Presences("c1") {
			if r.Identity == "alice" {
				return r.LastReadMessage == 42
			}
		}
		return false
	}, waitTimeout, pollEvery)

	require.NoError(t, alice.Close())
	assert.Equal(t, StatusDisconnected, alice.Status())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, bob.OnlineUsers("c1"))
	}, waitTimeout, pollEvery)

	r, ok := srv.RealtimeService().Hub().Store().Get("c1", "alice")
	require.True(t, ok)
	assert.False(t, r.IsOnline)
	assert.False(t, r.IsTyping)
}

func TestOptimisticCache(t *testing.T) {
	a := New(testConfig("ws://unused", "W1"))
	require.NoError(t, a.Subscribe("c1"))

	require.NoError(t, a.SetTyping("c1", true))
	require.NoError(t, a.MarkAsRead("c1", 3))

	records := a.Presences("c1")
	require.Len(t, records, 1)
	assert.Equal(t, "W1", records[0].Identity)
	assert.True(t, records[0].IsTyping)
	assert.True(t, records[0].IsOnline)
	assert.Equal(t, int64(3), records[0].LastReadMessage)
	assert.Empty(t, a.TypingUsers("c1"))
	assert.Equal(t, []string{"W1"}, a.OnlineUsers("c1"))
	assert.Equal(t, 2, a.Pending())

	// a server snapshot replaces the cache wholesale
	a.applyUpdate(realtime.NewPresenceUpdate("c1", []presence.Record{
		{Identity: "other", ChannelID: "c1", IsTyping: true, IsOnline: true},
	}))
	assert.Equal(t, []string{"other"}, a.TypingUsers("c1"))
	assert.Equal(t, []string{"other"}, a.OnlineUsers("c1"))

	// snapshots for channels we do not follow are ignored
	a.applyUpdate(realtime.NewPresenceUpdate("c9", nil))
	assert.Empty(t, a.Presences("c9"))
	require.NoError(t, a.Close())
}

func TestCloseIsFinal(t *testing.T) {
	a := New(testConfig("ws://unused", "W1"))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Start(context.Background()), ErrClosed)
}
