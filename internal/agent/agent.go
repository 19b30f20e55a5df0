// Package agent is the client side of the presence protocol. An Agent
// keeps one WebSocket to the presence server alive, rebuilds its
// server-side state on every reconnect and exposes the latest snapshot
// of each channel it follows.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shieldchat/presence/internal/log"
	"github.com/shieldchat/presence/internal/presence"
	"github.com/shieldchat/presence/internal/realtime"
)

// Status is the connection state of an Agent.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Messages kept while disconnected; the oldest are dropped beyond this.
	maxQueue = 256
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("agent: closed")

// Config holds agent configuration.
type Config struct {
	ServerURL         string
	Identity          string
	MaxAttempts       int
	BaseDelay         time.Duration
	TypingTimeout     time.Duration
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer // nil uses websocket.DefaultDialer
}

// DefaultConfig returns the default agent settings for serverURL and identity.
func DefaultConfig(serverURL, identity string) Config {
	return Config{
		ServerURL:         serverURL,
		Identity:          identity,
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		TypingTimeout:     3 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Agent maintains presence for one identity across a set of channels.
type Agent struct {
	cfg    Config
	dialer *websocket.Dialer

	mu        sync.Mutex
	ws        *websocket.Conn
	status    Status
	exhausted bool
	closed    bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	channels []string // desired subscriptions, in subscribe order
	queue    []queuedFrame // encoded messages waiting for a connection
	cache    map[string][]presence.Record
	typing   map[string]*typingTimer

	onStatus func(Status)
	onUpdate func(channelID string, records []presence.Record)

	// serializes writes on ws; never wait for mu while holding it
	writeMu sync.Mutex
}

// typingTimer is the pending auto-clear for one channel. A fired timer
// only acts if it is still the one registered.
type typingTimer struct {
	timer *time.Timer
}

// queuedFrame is an encoded message waiting for a connection. leave is
// set on the frames Unsubscribe sends so a later Subscribe to the same
// channel can drop them.
type queuedFrame struct {
	data  []byte
	leave string
}

// New creates an agent. Zero values in cfg fall back to DefaultConfig.
func New(cfg Config) *Agent {
	def := DefaultConfig(cfg.ServerURL, cfg.Identity)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = def.TypingTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Agent{
		cfg:    cfg,
		dialer: dialer,
		status: StatusDisconnected,
		cache:  make(map[string][]presence.Record),
		typing: make(map[string]*typingTimer),
	}
}

// OnStatus registers a callback for status changes. Callbacks run on the
// agent's goroutines and must not block.
func (a *Agent) OnStatus(fn func(Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStatus = fn
}

// OnUpdate registers a callback invoked with every snapshot received.
func (a *Agent) OnUpdate(fn func(channelID string, records []presence.Record)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = fn
}

// Identity returns the identity this agent asserts.
func (a *Agent) Identity() string {
	return a.cfg.Identity
}

// Status returns the current connection status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Exhausted reports whether the last connect loop ran out of attempts.
// Once exhausted the agent stays disconnected until Reconnect.
func (a *Agent) Exhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exhausted
}

// Done is closed when the connect loop started by Start or Reconnect exits.
// It returns nil if the loop was never started.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Start launches the connect loop. It returns immediately; the loop runs
// until ctx is done, Close is called or retries are exhausted.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.running {
		return nil
	}
	if a.cfg.ServerURL == "" {
		return fmt.Errorf("agent: server URL is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.exhausted = false
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx, a.done)
	return nil
}

// Reconnect restarts the connect loop after exhaustion. It is a no-op
// while a loop is already running.
func (a *Agent) Reconnect(ctx context.Context) error {
	return a.Start(ctx)
}

func (a *Agent) run(ctx context.Context, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		a.running = false
		a.cancel = nil
		a.mu.Unlock()
		close(done)
	}()

	for {
		ws, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("agent: reconnect attempts exhausted", "url", a.cfg.ServerURL,
					"attempts", a.cfg.MaxAttempts, "error", err.Error())
				a.mu.Lock()
				a.exhausted = true
				a.mu.Unlock()
			}
			a.setStatus(StatusDisconnected)
			return
		}

		a.session(ctx, ws)
		if ctx.Err() != nil {
			return
		}
		log.Info("agent: connection lost, reconnecting", "url", a.cfg.ServerURL, "delay", a.cfg.BaseDelay)
		timer := time.NewTimer(a.cfg.BaseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials the server, retrying with a linear backoff up to
// MaxAttempts times.
func (a *Agent) connect(ctx context.Context) (*websocket.Conn, error) {
	operation := func() (*websocket.Conn, error) {
		a.setStatus(StatusConnecting)
		ws, resp, err := a.dialer.DialContext(ctx, a.cfg.ServerURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return ws, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(newLinearBackOff(a.cfg.BaseDelay)),
		backoff.WithMaxTries(uint(a.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debug("agent: connect failed", "url", a.cfg.ServerURL, "error", err.Error(), "retry_in", d)
			a.setStatus(StatusDisconnected)
		}),
	)
}

// session replays state onto a fresh connection and reads updates until
// the connection fails or ctx is done.
func (a *Agent) session(ctx context.Context, ws *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	frames, err := a.replayFramesLocked()
	if err != nil {
		a.mu.Unlock()
		log.Error("agent: encode replay", "error", err.Error())
		ws.Close()
		return
	}
	a.ws = ws
	a.status = StatusConnected
	queued := a.pendingFramesLocked()
	a.queue = nil
	onStatus := a.onStatus
	// hold the write lock across the replay so later sends land after it
	a.writeMu.Lock()
	a.mu.Unlock()

	var writeErr error
	var unsent []queuedFrame
	for _, data := range frames {
		if writeErr = writeFrame(ws, data); writeErr != nil {
			unsent = queued
			break
		}
	}
	if writeErr == nil {
		for i, qf := range queued {
			if writeErr = writeFrame(ws, qf.data); writeErr != nil {
				unsent = queued[i:]
				break
			}
		}
	}
	a.writeMu.Unlock()
	if len(unsent) > 0 {
		a.requeue(unsent)
	}

	if onStatus != nil {
		onStatus(StatusConnected)
	}
	log.Info("agent: connected", "url", a.cfg.ServerURL, "identity", a.cfg.Identity)

	// close the socket on cancel so ReadMessage returns
	go func() {
		<-sessionCtx.Done()
		ws.Close()
	}()

	if writeErr == nil {
		go a.heartbeat(sessionCtx, ws)
		a.readLoop(ws)
	}

	a.mu.Lock()
	if a.ws == ws {
		a.ws = nil
	}
	a.mu.Unlock()
	a.setStatus(StatusDisconnected)
}

// replayFramesLocked returns identify, then subscribe and set_online for
// every desired channel. Caller must hold mu.
func (a *Agent) replayFramesLocked() ([][]byte, error) {
	envs := []*realtime.Envelope{realtime.Identify(a.cfg.Identity)}
	for _, ch := range a.channels {
		envs = append(envs, realtime.Subscribe(ch), realtime.SetOnline(ch, true))
	}

	frames := make([][]byte, 0, len(envs))
	for _, env := range envs {
		data, err := env.Encode()
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func (a *Agent) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("agent: read error", "error", err.Error())
			}
			return
		}

		u, err := realtime.DecodePresenceUpdate(data)
		if err != nil {
			log.Debug("agent: ignoring frame", "error", err.Error())
			continue
		}
		a.applyUpdate(u)
	}
}

// applyUpdate replaces the cached snapshot of a followed channel.
func (a *Agent) applyUpdate(u *realtime.PresenceUpdate) {
	a.mu.Lock()
	if !a.subscribedLocked(u.ChannelID) {
		a.mu.Unlock()
		return
	}
	a.cache[u.ChannelID] = u.Presences
	onUpdate := a.onUpdate
	a.mu.Unlock()

	if onUpdate != nil {
		onUpdate(u.ChannelID, copyRecords(u.Presences))
	}
}

func (a *Agent) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	data, err := realtime.Heartbeat().Encode()
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := writeFrame(ws, data)
			a.writeMu.Unlock()
			if err != nil {
				ws.Close()
				return
			}
		}
	}
}

// send writes env now when connected, otherwise queues it for the next
// connection.
func (a *Agent) send(env *realtime.Envelope) error {
	return a.sendFrame(env, "")
}

// sendFrame is send with the queue tag for frames leaving a channel.
func (a *Agent) sendFrame(env *realtime.Envelope, leave string) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	a.mu.Lock()
	ws := a.ws
	if ws == nil || a.status != StatusConnected {
		a.enqueueLocked(queuedFrame{data: data, leave: leave})
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.writeMu.Lock()
	err = writeFrame(ws, data)
	a.writeMu.Unlock()
	if err != nil {
		log.Debug("agent: write failed, queueing", "type", env.Type, "error", err.Error())
		a.requeue([]queuedFrame{{data: data, leave: leave}})
		ws.Close()
	}
	return nil
}

func (a *Agent) enqueueLocked(qf queuedFrame) {
	if len(a.queue) >= maxQueue {
		a.queue = a.queue[1:]
	}
	a.queue = append(a.queue, qf)
}

// dropLeaveFramesLocked removes queued frames that leave channelID.
func (a *Agent) dropLeaveFramesLocked(channelID string) {
	kept := a.queue[:0]
	for _, qf := range a.queue {
		if qf.leave != channelID {
			kept = append(kept, qf)
		}
	}
	for i := len(kept); i < len(a.queue); i++ {
		a.queue[i] = queuedFrame{}
	}
	a.queue = kept
}

// pendingFramesLocked returns the queue minus leave frames for channels
// that are subscribed again.
func (a *Agent) pendingFramesLocked() []queuedFrame {
	out := make([]queuedFrame, 0, len(a.queue))
	for _, qf := range a.queue {
		if qf.leave != "" && a.subscribedLocked(qf.leave) {
			continue
		}
		out = append(out, qf)
	}
	return out
}

// requeue puts unsent frames back at the front of the queue.
func (a *Agent) requeue(frames []queuedFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := append(append([]queuedFrame(nil), frames...), a.queue...)
	if len(q) > maxQueue {
		q = q[len(q)-maxQueue:]
	}
	a.queue = q
}

// Pending returns the number of queued messages.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func writeFrame(ws *websocket.Conn, data []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	if a.status == s {
		a.mu.Unlock()
		return
	}
	a.status = s
	onStatus := a.onStatus
	a.mu.Unlock()

	if onStatus != nil {
		onStatus(s)
	}
}

// Subscribe follows channelID. When connected the subscription and an
// online flag are sent now; otherwise they are replayed on connect.
func (a *Agent) Subscribe(channelID string) error {
	a.mu.Lock()
	if channelID == "" || a.subscribedLocked(channelID) {
		a.mu.Unlock()
		return nil
	}
	a.channels = append(a.channels, channelID)
	a.dropLeaveFramesLocked(channelID)
	if _, ok := a.cache[channelID]; !ok {
		a.cache[channelID] = []presence.Record{}
	}
	connected := a.status == StatusConnected
	a.mu.Unlock()

	if !connected {
		return nil
	}
	if err := a.send(realtime.Subscribe(channelID)); err != nil {
		return err
	}
	return a.send(realtime.SetOnline(channelID, true))
}

// Unsubscribe stops following channelID after announcing the identity
// offline there.
func (a *Agent) Unsubscribe(channelID string) error {
	a.mu.Lock()
	idx := -1
	for i, ch := range a.channels {
		if ch == channelID {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.mu.Unlock()
		return nil
	}
	a.channels = append(a.channels[:idx], a.channels[idx+1:]...)
	delete(a.cache, channelID)
	if tt, ok := a.typing[channelID]; ok {
		tt.timer.Stop()
		delete(a.typing, channelID)
	}
	a.mu.Unlock()

	if err := a.sendFrame(realtime.SetOnline(channelID, false), channelID); err != nil {
		return err
	}
	return a.sendFrame(realtime.Unsubscribe(channelID), channelID)
}

// Channels returns the followed channels in subscribe order.
func (a *Agent) Channels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.channels...)
}

// SetTyping announces typing state in channelID. A true value clears
// itself after TypingTimeout unless renewed.
func (a *Agent) SetTyping(channelID string, typing bool) error {
	a.mu.Lock()
	if tt, ok := a.typing[channelID]; ok {
		tt.timer.Stop()
		delete(a.typing, channelID)
	}
	if typing {
		tt := &typingTimer{}
		tt.timer = time.AfterFunc(a.cfg.TypingTimeout, func() { a.expireTyping(channelID, tt) })
		a.typing[channelID] = tt
	}
	a.updateSelfLocked(channelID, func(r *presence.Record) { r.IsTyping = typing })
	a.mu.Unlock()

	return a.send(realtime.SetTyping(channelID, typing))
}

// expireTyping clears typing if tt is still the active timer for channelID.
func (a *Agent) expireTyping(channelID string, tt *typingTimer) {
	a.mu.Lock()
	if a.typing[channelID] != tt {
		a.mu.Unlock()
		return
	}
	delete(a.typing, channelID)
	a.updateSelfLocked(channelID, func(r *presence.Record) { r.IsTyping = false })
	a.mu.Unlock()

	if err := a.send(realtime.SetTyping(channelID, false)); err != nil {
		log.Warn("agent: clear typing", log.KeyChannelID, channelID, "error", err.Error())
	}
}

// SetOnline announces online state in channelID.
func (a *Agent) SetOnline(channelID string, online bool) error {
	a.mu.Lock()
	a.updateSelfLocked(channelID, func(r *presence.Record) { r.IsOnline = online })
	a.mu.Unlock()

	return a.send(realtime.SetOnline(channelID, online))
}

// MarkAsRead records messageNumber as the last message read in channelID.
func (a *Agent) MarkAsRead(channelID string, messageNumber int64) error {
	a.mu.Lock()
	a.updateSelfLocked(channelID, func(r *presence.Record) { r.LastReadMessage = messageNumber })
	a.mu.Unlock()

	return a.send(realtime.MarkRead(channelID, messageNumber))
}

// updateSelfLocked applies an optimistic change to our own cached record.
// The next snapshot from the server replaces it.
func (a *Agent) updateSelfLocked(channelID string, mutate func(*presence.Record)) {
	records, ok := a.cache[channelID]
	if !ok {
		return
	}
	out := copyRecords(records)
	for i := range out {
		if out[i].Identity == a.cfg.Identity {
			mutate(&out[i])
			out[i].LastSeen = time.Now()
			a.cache[channelID] = out
			return
		}
	}
	r := presence.Record{Identity: a.cfg.Identity, ChannelID: channelID, IsOnline: true}
	mutate(&r)
	r.LastSeen = time.Now()
	out = append(out, r)
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	a.cache[channelID] = out
}

func (a *Agent) subscribedLocked(channelID string) bool {
	for _, ch := range a.channels {
		if ch == channelID {
			return true
		}
	}
	return false
}

// Presences returns the latest known records for channelID.
func (a *Agent) Presences(channelID string) []presence.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyRecords(a.cache[channelID])
}

// OnlineUsers returns identities marked online in channelID.
func (a *Agent) OnlineUsers(channelID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.cache[channelID] {
		if r.IsOnline {
			out = append(out, r.Identity)
		}
	}
	return out
}

// TypingUsers returns other identities typing in channelID.
func (a *Agent) TypingUsers(channelID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.cache[channelID] {
		if r.IsTyping && r.Identity != a.cfg.Identity {
			out = append(out, r.Identity)
		}
	}
	return out
}

// Close announces the identity offline on every channel when connected,
// stops timers and ends the connection. The agent cannot be restarted.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for ch, tt := range a.typing {
		tt.timer.Stop()
		delete(a.typing, ch)
	}
	channels := append([]string(nil), a.channels...)
	ws := a.ws
	connected := ws != nil && a.status == StatusConnected
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	if connected {
		a.writeMu.Lock()
		for _, ch := range channels {
			data, err := realtime.SetOnline(ch, false).Encode()
			if err != nil {
				continue
			}
			if err := writeFrame(ws, data); err != nil {
				break
			}
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
	}

	if cancel != nil {
		cancel()
		<-done
	}
	a.setStatus(StatusDisconnected)
	return nil
}

func copyRecords(records []presence.Record) []presence.Record {
	out := make([]presence.Record, len(records))
	copy(out, records)
	return out
}
