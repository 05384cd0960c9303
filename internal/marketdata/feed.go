package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultConnectWait bounds how long subscribers block waiting for the feed
// to come up before their first LTP read.
const DefaultConnectWait = 10 * time.Second

// connectLogWindow throttles duplicate connect-open notices: the broker
// re-sends connection acks on keepalive, and one INFO line per window is
// plenty.
const connectLogWindow = 60 * time.Second

// TokenResolver maps a broker symbol to its instrument token. The feed
// subscribes by token but keys the cache by broker symbol.
type TokenResolver func(symbol string) (token string, ok bool)

// CredentialSource supplies the current session token for the stream
// handshake. It is re-read on every reconnect so a refreshed session is
// picked up automatically.
type CredentialSource func() (token, sid string)

// FeedConfig configures the tick stream client.
type FeedConfig struct {
	URL           string
	BackoffBase   time.Duration // reconnect backoff base, default 5s
	BackoffMax    time.Duration // default 60s
	PingInterval  time.Duration // default 30s
	PongWait      time.Duration // default 90s
	HandshakeWait time.Duration // dial timeout, default 10s
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 90 * time.Second
	}
	if c.HandshakeWait <= 0 {
		c.HandshakeWait = 10 * time.Second
	}
	return c
}

// feedMessage is one frame of the broker tick stream.
type feedMessage struct {
	Type  string  `json:"type"` // "tick" | "cn" (connection ack)
	Token string  `json:"tk,omitempty"`
	LTP   float64 `json:"ltp,omitempty"`
	TS    int64   `json:"ft,omitempty"` // feed time, unix seconds
}

// subscribeRequest is the outbound (un)subscribe frame.
type subscribeRequest struct {
	Type   string   `json:"type"` // "subscribe" | "unsubscribe"
	Tokens []string `json:"tokens"`
}

// Feed maintains the broker websocket, resubscribes on reconnect, and
// writes ticks into the LTP cache.
type Feed struct {
	config  FeedConfig
	cache   *LTPCache
	resolve TokenResolver
	creds   CredentialSource
	logger  *log.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	subs        map[string]string // symbol -> token
	tokenSym    map[string]string // token -> symbol
	connected   bool
	connectedCh chan struct{}
	lastConnLog time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed builds a feed writing into cache. The resolver normally wraps the
// day's scrip master table.
func NewFeed(cfg FeedConfig, cache *LTPCache, resolve TokenResolver, creds CredentialSource, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		config:      cfg.withDefaults(),
		cache:       cache,
		resolve:     resolve,
		creds:       creds,
		logger:      logger,
		subs:        make(map[string]string),
		tokenSym:    make(map[string]string),
		connectedCh: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the connect/read loop.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.runLoop()
}

// Stop closes the stream and waits briefly for the loops to exit.
func (f *Feed) Stop() {
	f.cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		f.logger.Printf("Warning: feed goroutines did not exit within timeout")
	}
	f.closeConn()
}

// WaitForConnection blocks until the stream is up, ctx is done, or the wait
// elapses. Subscribers must call this before their first LTP read.
func (f *Feed) WaitForConnection(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		wait = DefaultConnectWait
	}
	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	ch := f.connectedCh
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(wait):
		return fmt.Errorf("feed not connected after %s", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds symbols to the tick set. Symbols with no token in the
// scrip master are skipped with a warning. Safe before the first connect:
// the full set is replayed on every (re)connect.
func (f *Feed) Subscribe(symbols ...string) {
	tokens := make([]string, 0, len(symbols))
	f.mu.Lock()
	for _, sym := range symbols {
		if _, exists := f.subs[sym]; exists {
			continue
		}
		token, ok := f.resolve(sym)
		if !ok {
			f.logger.Printf("Warning: no instrument token for %s; cannot subscribe", sym)
			continue
		}
		f.subs[sym] = token
		f.tokenSym[token] = sym
		tokens = append(tokens, token)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil && len(tokens) > 0 {
		f.send(subscribeRequest{Type: "subscribe", Tokens: tokens})
	}
}

// Unsubscribe removes symbols from the tick set.
func (f *Feed) Unsubscribe(symbols ...string) {
	tokens := make([]string, 0, len(symbols))
	f.mu.Lock()
	for _, sym := range symbols {
		token, ok := f.subs[sym]
		if !ok {
			continue
		}
		delete(f.subs, sym)
		delete(f.tokenSym, token)
		tokens = append(tokens, token)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil && len(tokens) > 0 {
		f.send(subscribeRequest{Type: "unsubscribe", Tokens: tokens})
	}
}

func (f *Feed) send(msg any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(msg); err != nil {
		f.logger.Printf("Warning: feed write failed: %v", err)
		f.closeConn()
	}
}

func (f *Feed) runLoop() {
	defer f.wg.Done()

	backoff := f.config.BackoffBase
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		if err := f.connect(); err != nil {
			f.logger.Printf("Warning: feed connect failed: %v; retrying in %v", err, backoff)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.config.BackoffMax {
				backoff = f.config.BackoffMax
			}
			continue
		}
		backoff = f.config.BackoffBase

		f.markConnected()
		f.resubscribe()
		f.readLoop()
		f.markDisconnected()

		select {
		case <-f.ctx.Done():
			return
		case <-time.After(f.config.BackoffBase):
		}
	}
}

func (f *Feed) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: f.config.HandshakeWait}
	header := http.Header{}
	if f.creds != nil {
		token, sid := f.creds()
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		if sid != "" {
			header.Set("Sid", sid)
		}
	}

	conn, resp, err := dialer.DialContext(f.ctx, f.config.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(f.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.config.PongWait))
	})

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return nil
}

// markConnected flips the flag and wakes waiters. The connect log is
// throttled because brokers re-ack the connection on keepalive.
func (f *Feed) markConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	close(f.connectedCh)
	if time.Since(f.lastConnLog) >= connectLogWindow {
		f.logger.Printf("Feed connected to %s", f.config.URL)
		f.lastConnLog = time.Now()
	}
}

func (f *Feed) markDisconnected() {
	f.mu.Lock()
	f.connected = false
	f.connectedCh = make(chan struct{})
	f.mu.Unlock()
}

// resubscribe replays the current symbol set after a (re)connect.
func (f *Feed) resubscribe() {
	f.mu.Lock()
	tokens := make([]string, 0, len(f.subs))
	for _, token := range f.subs {
		tokens = append(tokens, token)
	}
	f.mu.Unlock()

	if len(tokens) > 0 {
		f.send(subscribeRequest{Type: "subscribe", Tokens: tokens})
	}
}

func (f *Feed) readLoop() {
	defer f.closeConn()

	pingTicker := time.NewTicker(f.config.PingInterval)
	defer pingTicker.Stop()

	stopPing := make(chan struct{})
	defer close(stopPing)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-stopPing:
				return
			case <-f.ctx.Done():
				return
			case <-pingTicker.C:
				f.mu.Lock()
				conn := f.conn
				f.mu.Unlock()
				if conn == nil {
					return
				}
				deadline := time.Now().Add(f.config.PingInterval / 2)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					f.closeConn()
					return
				}
			}
		}
	}()

	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.ctx.Done():
			default:
				f.logger.Printf("Warning: feed read failed: %v; reconnecting", err)
			}
			return
		}
		f.handleMessage(raw)
	}
}

// handleMessage routes one frame. Frames may carry a single message or a
// batch array; both shapes occur on the wire.
func (f *Feed) handleMessage(raw []byte) {
	var batch []feedMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		var single feedMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			f.logger.Printf("Warning: unparseable feed frame: %.120s", raw)
			return
		}
		batch = []feedMessage{single}
	}

	for _, msg := range batch {
		switch msg.Type {
		case "cn":
			// Duplicate connection acks arrive on keepalive; reuse the
			// throttled connect log.
			f.mu.Lock()
			if time.Since(f.lastConnLog) >= connectLogWindow {
				f.logger.Printf("Feed connection acknowledged")
				f.lastConnLog = time.Now()
			}
			f.mu.Unlock()
		case "tick", "":
			if msg.Token == "" || msg.LTP <= 0 {
				continue
			}
			f.mu.Lock()
			symbol, ok := f.tokenSym[msg.Token]
			f.mu.Unlock()
			if !ok {
				continue
			}
			ts := time.Now()
			if msg.TS > 0 {
				ts = time.Unix(msg.TS, 0)
			}
			f.cache.Update(symbol, msg.LTP, ts)
		}
	}
}

func (f *Feed) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}
