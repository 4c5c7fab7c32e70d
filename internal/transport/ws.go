package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"walletnet/internal/catalog"
	"walletnet/internal/jsonrpc"
	"walletnet/internal/neterr"
)

// unsubscribeMethods lists the subscriptions the server can cancel. Others are
// only dropped locally.
var unsubscribeMethods = map[string]string{
	"blockchain.scripthash.subscribe": "blockchain.scripthash.unsubscribe",
}

// WSTransport multiplexes JSON-RPC requests and server notifications on one WebSocket connection
type WSTransport struct {
	endpoint     catalog.Endpoint
	opts         Options
	onDisconnect func(error)
	logger       zerolog.Logger

	lifeMu  sync.Mutex
	started bool

	cs      *connState
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpc.Response
	pendingMu sync.Mutex
	reqID     int64

	subs      map[int64]*streamEntry
	subMu     sync.Mutex
	nextSubID int64

	wg sync.WaitGroup
}

// connState belongs to exactly one dialed connection
type connState struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan *jsonrpc.Notification
}

type streamEntry struct {
	id     int64
	method string
	key    string
	keyed  bool

	ch   chan json.RawMessage
	quit chan struct{}
	once sync.Once
	mu   sync.Mutex
	done bool
}

// NewFactory returns a Factory producing WebSocket transports with opts
func NewFactory(opts Options, logger zerolog.Logger) Factory {
	return func(endpoint catalog.Endpoint, onDisconnect func(error)) Transport {
		return NewWSTransport(endpoint, opts, onDisconnect, logger)
	}
}

// NewWSTransport creates a transport for endpoint; nothing is dialed until Start
func NewWSTransport(endpoint catalog.Endpoint, opts Options, onDisconnect func(error), logger zerolog.Logger) *WSTransport {
	return &WSTransport{
		endpoint:     endpoint,
		opts:         opts.withDefaults(),
		onDisconnect: onDisconnect,
		logger:       logger.With().Str("component", "transport").Str("server", endpoint.String()).Logger(),
		pending:      make(map[int64]chan *jsonrpc.Response),
		subs:         make(map[int64]*streamEntry),
	}
}

// Endpoint returns the server this transport talks to
func (t *WSTransport) Endpoint() catalog.Endpoint {
	return t.endpoint
}

// Start dials the server and runs the handshake
func (t *WSTransport) Start(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}
	if err := t.connect(ctx); err != nil {
		return err
	}
	t.started = true
	return nil
}

// Stop closes the connection. Pending requests fail and update channels close.
func (t *WSTransport) Stop() error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if !t.started {
		return ErrNotStarted
	}
	t.started = false

	t.connMu.RLock()
	cs := t.cs
	t.connMu.RUnlock()
	if cs != nil {
		t.drop(cs, nil, false)
	}
	t.wg.Wait()
	t.logger.Debug().Msg("WebSocket stopped")
	return nil
}

// Reconnect replaces the current connection with a fresh one to the same server
func (t *WSTransport) Reconnect(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if !t.started {
		return ErrNotStarted
	}

	t.connMu.RLock()
	cs := t.cs
	t.connMu.RUnlock()
	if cs != nil {
		t.drop(cs, nil, false)
	}
	t.wg.Wait()

	t.logger.Info().Msg("WebSocket reconnecting")
	return t.connect(ctx)
}

// Connected returns true if the WebSocket connection is established
func (t *WSTransport) Connected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.cs != nil
}

func (t *WSTransport) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.opts.ConnectTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(dialCtx, t.endpoint.String(), nil)
	if err != nil {
		return t.fail("dial", err)
	}
	if t.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(t.opts.MaxMessageSize)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	cs := &connState{
		conn:   conn,
		ctx:    connCtx,
		cancel: connCancel,
		events: make(chan *jsonrpc.Notification, 1024),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	})

	t.connMu.Lock()
	t.cs = cs
	t.connMu.Unlock()

	t.wg.Add(2)
	go t.readLoop(cs)
	go t.dispatchWorker(cs)
	if t.opts.PingInterval > 0 {
		t.wg.Add(1)
		go t.pingLoop(cs)
	}
	t.logger.Info().Msg("WebSocket connected")

	if hs := t.opts.Handshake; hs != nil {
		if _, err := t.call(ctx, hs.Method, hs.Params); err != nil {
			t.drop(cs, nil, false)
			return err
		}
	}
	return nil
}

// drop tears down cs if it is still the current connection
func (t *WSTransport) drop(cs *connState, cause error, notify bool) {
	t.connMu.Lock()
	if t.cs != cs {
		t.connMu.Unlock()
		return
	}
	t.cs = nil
	t.connMu.Unlock()

	cs.cancel()
	cs.conn.Close()

	t.pendingMu.Lock()
	for _, ch := range t.pending {
		select {
		case ch <- nil:
		default:
		}
	}
	t.pending = make(map[int64]chan *jsonrpc.Response)
	t.pendingMu.Unlock()

	t.subMu.Lock()
	entries := t.subs
	t.subs = make(map[int64]*streamEntry)
	t.subMu.Unlock()
	for _, e := range entries {
		e.close()
	}

	if notify && t.onDisconnect != nil {
		go t.onDisconnect(t.fail("connection lost", cause))
	}
}

func (t *WSTransport) current() *connState {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.cs
}

// Submit sends a request and waits for its result
func (t *WSTransport) Submit(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return t.call(ctx, method, params)
}

// Subscribe sends a subscription request and routes matching notifications to the returned stream.
// A string first param becomes the routing key, as with Electrum script hash subscriptions.
func (t *WSTransport) Subscribe(ctx context.Context, method string, params ...any) (*Stream, error) {
	entry := &streamEntry{
		method: method,
		ch:     make(chan json.RawMessage, t.opts.UpdateBuffer),
		quit:   make(chan struct{}),
	}
	if len(params) > 0 {
		if s, ok := params[0].(string); ok {
			entry.key = s
			entry.keyed = true
		}
	}

	t.subMu.Lock()
	t.nextSubID++
	entry.id = t.nextSubID
	t.subs[entry.id] = entry
	t.subMu.Unlock()

	initial, err := t.call(ctx, method, params)
	if err != nil {
		t.removeEntry(entry)
		return nil, err
	}

	var once sync.Once
	return &Stream{
		Initial: initial,
		Updates: entry.ch,
		Cancel: func() {
			once.Do(func() { t.unsubscribe(entry, params) })
		},
	}, nil
}

func (t *WSTransport) removeEntry(entry *streamEntry) bool {
	t.subMu.Lock()
	_, ok := t.subs[entry.id]
	delete(t.subs, entry.id)
	t.subMu.Unlock()
	entry.close()
	return ok
}

func (t *WSTransport) unsubscribe(entry *streamEntry, params []any) {
	if !t.removeEntry(entry) {
		return
	}
	method, ok := unsubscribeMethods[entry.method]
	if !ok {
		return
	}
	cs := t.current()
	if cs == nil {
		return
	}
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(atomic.AddInt64(&t.reqID, 1)))
	if err != nil {
		return
	}
	if err := t.write(cs, req); err != nil {
		t.logger.Debug().Err(err).Str("method", method).Msg("unsubscribe write failed")
	}
}

func (t *WSTransport) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	cs := t.current()
	if cs == nil {
		return nil, neterr.New(neterr.KindTransport, "not connected").With("server", t.endpoint.String())
	}

	reqID := atomic.AddInt64(&t.reqID, 1)
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(reqID))
	if err != nil {
		return nil, neterr.Wrap(neterr.KindEncoding, method, err)
	}

	respChan := make(chan *jsonrpc.Response, 1)
	t.pendingMu.Lock()
	t.pending[reqID] = respChan
	t.pendingMu.Unlock()

	if err := t.write(cs, req); err != nil {
		t.forget(reqID)
		return nil, t.fail("write", err)
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return nil, neterr.New(neterr.KindTransport, "connection closed").With("server", t.endpoint.String())
		}
		if resp.HasError() {
			return nil, neterr.Normalize(resp.Error).With("server", t.endpoint.String())
		}
		if resp.Result == nil {
			return nil, neterr.ProtocolViolation(method, "response has neither result nor error").With("server", t.endpoint.String())
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.forget(reqID)
		return nil, neterr.Normalize(ctx.Err())
	}
}

func (t *WSTransport) forget(reqID int64) {
	t.pendingMu.Lock()
	delete(t.pending, reqID)
	t.pendingMu.Unlock()
}

func (t *WSTransport) write(cs *connState, req *jsonrpc.Request) error {
	data, err := req.Bytes()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := cs.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
		return err
	}
	return cs.conn.WriteMessage(websocket.TextMessage, data)
}

// fail converts err into a transport-level *neterr.Error tagged with this server
func (t *WSTransport) fail(reason string, err error) *neterr.Error {
	if err == nil {
		return neterr.New(neterr.KindTransport, reason).With("server", t.endpoint.String())
	}
	e := neterr.Normalize(err)
	if e.Kind == neterr.KindUnknown {
		e = neterr.Wrap(neterr.KindTransport, reason, err)
	}
	return e.With("server", t.endpoint.String())
}

func (t *WSTransport) pingLoop(cs *connState) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := cs.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(t.opts.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

func (t *WSTransport) readLoop(cs *connState) {
	defer t.wg.Done()

	for {
		cs.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			if cs.ctx.Err() != nil {
				return
			}
			t.logger.Warn().Err(err).Msg("WebSocket connection lost")
			t.drop(cs, err, true)
			return
		}

		msg, err := jsonrpc.ParseMessage(data)
		if err != nil {
			t.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
			continue
		}

		if msg.IsNotification() {
			select {
			case <-cs.ctx.Done():
				return
			case cs.events <- msg.Notification():
			default:
				t.logger.Warn().Str("method", msg.Method).Msg("event queue full, dropping notification")
			}
			continue
		}

		reqID, ok := msg.ID.Int64()
		if !ok {
			continue
		}
		t.pendingMu.Lock()
		ch, exists := t.pending[reqID]
		if exists {
			delete(t.pending, reqID)
		}
		t.pendingMu.Unlock()
		if exists {
			ch <- msg.Response()
		}
	}
}

func (t *WSTransport) dispatchWorker(cs *connState) {
	defer t.wg.Done()
	for {
		select {
		case <-cs.ctx.Done():
			return
		case n := <-cs.events:
			t.dispatch(cs, n)
		}
	}
}

func (t *WSTransport) dispatch(cs *connState, n *jsonrpc.Notification) {
	key, hasKey := jsonrpc.FirstParam(n.Params)

	t.subMu.Lock()
	targets := make([]*streamEntry, 0, 1)
	for _, e := range t.subs {
		if e.method != n.Method {
			continue
		}
		if e.keyed && (!hasKey || e.key != key) {
			continue
		}
		targets = append(targets, e)
	}
	t.subMu.Unlock()

	if len(targets) == 0 {
		t.logger.Debug().Str("method", n.Method).Msg("notification, no handler")
		return
	}
	for _, e := range targets {
		e.send(cs.ctx, payload(n.Params, e.keyed))
	}
}

// payload extracts the value a subscriber cares about: the element after the
// routing key for keyed subscriptions, the single element otherwise
func payload(params json.RawMessage, keyed bool) json.RawMessage {
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil {
		return params
	}
	switch {
	case keyed && len(list) > 1:
		return list[1]
	case keyed:
		return json.RawMessage("null")
	case len(list) == 1:
		return list[0]
	default:
		return params
	}
}

func (e *streamEntry) send(ctx context.Context, v json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	select {
	case e.ch <- v:
	case <-e.quit:
	case <-ctx.Done():
	}
}

func (e *streamEntry) close() {
	e.once.Do(func() {
		close(e.quit)
		e.mu.Lock()
		e.done = true
		close(e.ch)
		e.mu.Unlock()
	})
}
