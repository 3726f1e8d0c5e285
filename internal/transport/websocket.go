package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack"

	"github.com/roach88/spacesync/internal/fault"
)

// WebSocketSettings tunes connection handling.
type WebSocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	BufferSize       int
}

// DefaultWebSocketSettings returns the settings used by NewWebSocket.
func DefaultWebSocketSettings() WebSocketSettings {
	return WebSocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     15 * time.Second,
		BufferSize:       256,
	}
}

// WebSocketOption configures a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithSettings replaces the connection settings.
func WithSettings(s WebSocketSettings) WebSocketOption {
	return func(w *WebSocket) {
		w.settings = s
	}
}

// WithWebSocketLogger sets the logger.
func WithWebSocketLogger(l *slog.Logger) WebSocketOption {
	return func(w *WebSocket) {
		w.logger = l
	}
}

// frame is the websocket message. A frame without a space is the hello
// exchanged when a connection opens; an empty message is a ping.
type frame struct {
	Space string `msgpack:"space,omitempty"`
	From  string `msgpack:"from"`
	Data  []byte `msgpack:"data,omitempty"`
}

// WebSocket is a Transport over direct websocket connections between hosts.
// Connections are symmetric once open: either side may Dial, and the
// accepting side serves them through ServeHTTP.
type WebSocket struct {
	self     string
	settings WebSocketSettings
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[string]*wsConn
	wg       sync.WaitGroup
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket returns a transport identified to its peers as self.
func NewWebSocket(self string, opts ...WebSocketOption) *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		self:     self,
		settings: DefaultWebSocketSettings(),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		conns:    make(map[string]*wsConn),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.upgrader = websocket.Upgrader{HandshakeTimeout: w.settings.HandshakeTimeout}
	return w
}

// ServeHTTP accepts a peer connection.
func (w *WebSocket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if _, err := w.open(ws); err != nil {
		w.logger.Info("websocket handshake failed", "remote", r.RemoteAddr, "error", err)
	}
}

// Dial connects to the peer serving url and returns its id.
func (w *WebSocket) Dial(ctx context.Context, url string) (string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", url, err)
	}
	return w.open(ws)
}

// open exchanges hellos and starts the connection's goroutines.
func (w *WebSocket) open(ws *websocket.Conn) (string, error) {
	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	hello, err := msgpack.Marshal(frame{From: w.self})
	if err != nil {
		return "", err
	}
	ws.SetWriteDeadline(time.Now().Add(w.settings.HandshakeTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}
	ws.SetReadDeadline(time.Now().Add(w.settings.HandshakeTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	var theirs frame
	if messageType != websocket.BinaryMessage {
		return "", fault.New(fault.MalformedAssertion, "hello is not binary")
	}
	if err := msgpack.Unmarshal(message, &theirs); err != nil || theirs.From == "" || theirs.Space != "" {
		return "", fault.New(fault.MalformedAssertion, "bad hello")
	}

	c := &wsConn{
		peer: theirs.From,
		ws:   ws,
		send: make(chan []byte, w.settings.BufferSize),
	}
	c.ctx, c.cancel = context.WithCancel(w.ctx)

	w.mu.Lock()
	if old, ok := w.conns[c.peer]; ok {
		old.cancel()
	}
	w.conns[c.peer] = c
	w.mu.Unlock()

	w.wg.Add(2)
	go w.writeLoop(c)
	go w.readLoop(c)

	success = true
	w.logger.Debug("websocket peer connected", "self", w.self, "peer", c.peer)
	return c.peer, nil
}

// Peers returns the connected peer ids.
func (w *WebSocket) Peers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	peers := make([]string, 0, len(w.conns))
	for peer := range w.conns {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

// Join implements Transport.
func (w *WebSocket) Join(spaceID string, h Handler) error {
	if h == nil {
		return fault.New(fault.InvalidArgument, "nil handler")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[spaceID] = h
	return nil
}

// Leave implements Transport.
func (w *WebSocket) Leave(spaceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers, spaceID)
	return nil
}

// Send implements Transport.
func (w *WebSocket) Send(spaceID, peer string, data []byte) error {
	w.mu.Lock()
	c, ok := w.conns[peer]
	w.mu.Unlock()
	if !ok {
		return fault.New(fault.InvalidArgument, "peer %s is not connected", peer)
	}
	return w.write(c, spaceID, data)
}

// Broadcast implements Transport. Peers that have not joined the space
// drop the frame.
func (w *WebSocket) Broadcast(spaceID string, data []byte) error {
	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		if err := w.write(c, spaceID, data); err != nil {
			w.logger.Debug("broadcast dropped", "peer", c.peer, "error", err)
		}
	}
	return nil
}

func (w *WebSocket) write(c *wsConn, spaceID string, data []byte) error {
	msg, err := msgpack.Marshal(frame{Space: spaceID, From: w.self, Data: data})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.ctx.Done():
		return fault.New(fault.InvalidArgument, "peer %s disconnected", c.peer)
	case c.send <- msg:
		return nil
	default:
		// The anti-entropy exchange recovers dropped frames.
		return fault.New(fault.OutOfRange, "send buffer to %s is full", c.peer)
	}
}

// Close disconnects every peer and waits for the connection goroutines.
func (w *WebSocket) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

type wsConn struct {
	peer   string
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (w *WebSocket) drop(c *wsConn) {
	c.cancel()
	w.mu.Lock()
	if w.conns[c.peer] == c {
		delete(w.conns, c.peer)
	}
	w.mu.Unlock()
}

func (w *WebSocket) writeLoop(c *wsConn) {
	defer w.wg.Done()
	defer w.drop(c)
	defer c.ws.Close()

	ping := time.NewTicker(w.settings.PingInterval)
	defer ping.Stop()
	for {
		var message []byte
		select {
		case <-c.ctx.Done():
			return
		case message = <-c.send:
		case <-ping.C:
			message = []byte{}
		}
		c.ws.SetWriteDeadline(time.Now().Add(w.settings.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
			w.logger.Info("websocket write failed", "peer", c.peer, "error", err)
			return
		}
	}
}

func (w *WebSocket) readLoop(c *wsConn) {
	defer w.wg.Done()
	defer w.drop(c)

	for {
		c.ws.SetReadDeadline(time.Now().Add(w.settings.ReadTimeout))
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				w.logger.Info("websocket read failed", "peer", c.peer, "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}
		var f frame
		if err := msgpack.Unmarshal(message, &f); err != nil || f.Space == "" {
			w.logger.Info("websocket frame dropped", "peer", c.peer, "error", err)
			continue
		}
		w.mu.Lock()
		h := w.handlers[f.Space]
		w.mu.Unlock()
		if h != nil {
			h(c.peer, f.Data)
		}
	}
}
