package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gogo/protobuf/proto"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/libs/service"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

const (
	handshakePrefix = "market/handshake/"

	defaultBufferSize       = 256
	defaultHandshakeTimeout = 5 * time.Second
	defaultRedialInterval   = 30 * time.Second
	defaultMaxFrameSize     = 1 << 20
	defaultPingInterval     = 20 * time.Second

	writeWait = 10 * time.Second
)

// WSTransportOptions configures a WSTransport.
type WSTransportOptions struct {
	// ListenAddress is the host:port to accept peers on. Empty disables
	// listening.
	ListenAddress string

	// PersistentPeers are dialed on start and redialed whenever the
	// connection drops.
	PersistentPeers []NodeAddress

	// BufferSize is the capacity of the inbound, outbound and per-peer send
	// queues.
	BufferSize int

	// HandshakeTimeout bounds the key exchange on a new connection.
	HandshakeTimeout time.Duration

	// RedialInterval is the longest wait between two dial attempts.
	RedialInterval time.Duration

	// MaxFrameSize is the largest frame accepted from a peer.
	MaxFrameSize int64

	// PingInterval is how often idle connections are probed. A peer that
	// stays silent for two intervals is disconnected.
	PingInterval time.Duration
}

func (o *WSTransportOptions) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.RedialInterval <= 0 {
		o.RedialInterval = defaultRedialInterval
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
}

// WSTransport connects a trader to its peers over websockets. Every frame
// carries the sender's public key and an ed25519 signature of the payload.
// The handshake binds a connection to the key's trader id; later frames
// signed by another key, with a bad signature, or with a message header
// naming another trader are dropped.
type WSTransport struct {
	service.BaseService
	logger  log.Logger
	nodeKey types.NodeKey
	opts    WSTransportOptions
	metrics *Metrics
	labels  *metricsLabelCache

	inCh    chan Envelope
	outCh   chan Envelope
	errCh   chan PeerError
	channel *Channel
	updates *PeerUpdates

	// updMtx orders peer updates; it is taken before mtx.
	updMtx sync.Mutex
	mtx    sync.RWMutex
	conns  map[types.TraderID]*wsConn

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

type wsConn struct {
	peer     types.TraderID
	pubKey   []byte
	conn     *websocket.Conn
	queue    *sendQueue
	outbound bool
}

// TransportOption sets an optional parameter on the WSTransport.
type TransportOption func(*WSTransport)

// WithTransportMetrics sets the metrics.
func WithTransportMetrics(metrics *Metrics) TransportOption {
	return func(t *WSTransport) { t.metrics = metrics }
}

// NewWSTransport creates a websocket transport for the trader owning nodeKey.
func NewWSTransport(logger log.Logger, nodeKey types.NodeKey, opts WSTransportOptions, options ...TransportOption) *WSTransport {
	opts.setDefaults()
	t := &WSTransport{
		logger:  logger.With("module", "p2p"),
		nodeKey: nodeKey,
		opts:    opts,
		metrics: NopMetrics(),
		labels:  newMetricsLabelCache(),
		inCh:    make(chan Envelope, opts.BufferSize),
		outCh:   make(chan Envelope, opts.BufferSize),
		errCh:   make(chan PeerError, opts.BufferSize),
		updates: NewPeerUpdates(opts.BufferSize),
		conns:   make(map[types.TraderID]*wsConn),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
	t.channel = NewChannel(t.inCh, t.outCh, t.errCh)
	t.BaseService = *service.NewBaseService(logger, "WSTransport", t)
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Channel returns the channel the reactor exchanges envelopes on.
func (t *WSTransport) Channel() *Channel { return t.channel }

// PeerUpdates returns the peer status subscription.
func (t *WSTransport) PeerUpdates() *PeerUpdates { return t.updates }

// Addr returns the address the transport listens on, once started.
func (t *WSTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Peers returns the ids of the connected peers.
func (t *WSTransport) Peers() []types.TraderID {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	peers := make([]types.TraderID, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	return peers
}

// OnStart implements service.Service.
func (t *WSTransport) OnStart(ctx context.Context) error {
	if t.opts.ListenAddress != "" {
		listener, err := net.Listen("tcp", t.opts.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", t.opts.ListenAddress, err)
		}
		t.listener = listener
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.group, t.ctx = errgroup.WithContext(t.ctx)

	if t.listener != nil {
		mux := http.NewServeMux()
		mux.HandleFunc(defaultPath, t.handleUpgrade)
		t.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: t.opts.HandshakeTimeout,
		}
		t.group.Go(func() error {
			err := t.server.Serve(t.listener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		t.logger.Info("listening for peers", "addr", t.Addr(), "trader", t.nodeKey.TraderID)
	}

	t.group.Go(func() error { return t.route(t.ctx) })
	for _, addr := range t.opts.PersistentPeers {
		addr := addr
		t.group.Go(func() error { return t.dialLoop(t.ctx, addr) })
	}
	return nil
}

// OnStop implements service.Service.
func (t *WSTransport) OnStop() {
	t.cancel()
	if t.server != nil {
		if err := t.server.Close(); err != nil {
			t.logger.Error("failed to close http server", "err", err)
		}
	}
	if err := t.group.Wait(); err != nil {
		t.logger.Error("transport stopped with error", "err", err)
	}
	t.updates.Close()
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("failed to upgrade connection", "remote", r.RemoteAddr, "err", err)
		return
	}
	if t.ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	t.group.Go(func() error {
		_, err := t.runConn(t.ctx, conn, "", false)
		if err != nil {
			t.logger.Debug("inbound connection closed", "remote", r.RemoteAddr, "err", err)
		}
		return nil
	})
}

// dialLoop keeps a connection to a persistent peer, redialing with
// exponential backoff.
func (t *WSTransport) dialLoop(ctx context.Context, addr NodeAddress) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = t.opts.RedialInterval
	bo.MaxElapsedTime = 0

	for {
		var conn *websocket.Conn
		err := backoff.RetryNotify(func() error {
			c, _, err := t.dialer.DialContext(ctx, addr.DialURL(), nil)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			conn = c
			return nil
		}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
			t.logger.Debug("failed to dial peer", "peer", addr, "err", err, "retry_in", wait)
		})
		if err != nil {
			return nil
		}
		bo.Reset()

		peer, err := t.runConn(ctx, conn, addr.NodeID, true)
		if err != nil {
			t.logger.Info("peer connection closed", "peer", addr, "err", err)
		}
		// wait while another connection to the same peer is up
		for {
			if !t.sleep(ctx, bo.NextBackOff()) {
				return nil
			}
			if peer == "" || !t.isConnected(peer) {
				break
			}
		}
	}
}

func (t *WSTransport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *WSTransport) isConnected(peer types.TraderID) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	_, ok := t.conns[peer]
	return ok
}

// runConn handshakes and serves a connection until it closes. It returns
// the authenticated peer id, if the handshake got that far.
func (t *WSTransport) runConn(
	ctx context.Context,
	conn *websocket.Conn,
	expected types.TraderID,
	outbound bool,
) (types.TraderID, error) {
	conn.SetReadLimit(t.opts.MaxFrameSize)
	peer, pubKey, err := t.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("handshake: %w", err)
	}
	switch {
	case peer == t.nodeKey.TraderID:
		_ = conn.Close()
		return "", errors.New("connected to self")
	case expected != "" && peer != expected:
		_ = conn.Close()
		return peer, fmt.Errorf("peer is %s, expected %s", peer, expected)
	}

	c := &wsConn{
		peer:     peer,
		pubKey:   pubKey,
		conn:     conn,
		queue:    newSendQueue(t.opts.BufferSize),
		outbound: outbound,
	}
	if !t.addConn(ctx, c) {
		_ = conn.Close()
		return peer, nil
	}
	defer t.removeConn(ctx, c)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.writeLoop(c, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = conn.Close()
	}()
	err = t.readLoop(ctx, c)
	close(stop)
	c.queue.close()
	wg.Wait()
	return peer, err
}

// handshake exchanges signed hello frames and returns the remote identity.
func (t *WSTransport) handshake(conn *websocket.Conn) (types.TraderID, []byte, error) {
	deadline := time.Now().Add(t.opts.HandshakeTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return "", nil, err
	}
	hello := t.encodeFrame([]byte(handshakePrefix + string(t.nodeKey.TraderID)))
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		return "", nil, err
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var frame marketproto.Frame
	if err := frame.Unmarshal(data); err != nil {
		return "", nil, err
	}
	if !types.VerifySignature(frame.PubKey, frame.Payload, frame.Signature) {
		return "", nil, errors.New("invalid handshake signature")
	}
	peer := types.TraderIDFromPubKey(frame.PubKey)
	if !bytes.Equal(frame.Payload, []byte(handshakePrefix+string(peer))) {
		return "", nil, errors.New("handshake does not match key")
	}
	return peer, frame.PubKey, conn.SetReadDeadline(time.Time{})
}

// preferred reports whether c wins over another connection to the same
// peer. Both sides agree: the connection dialed by the lower id is kept.
func (t *WSTransport) preferred(c *wsConn) bool {
	dialer, acceptor := c.peer, t.nodeKey.TraderID
	if c.outbound {
		dialer, acceptor = acceptor, dialer
	}
	return dialer < acceptor
}

func (t *WSTransport) addConn(ctx context.Context, c *wsConn) bool {
	t.updMtx.Lock()
	defer t.updMtx.Unlock()

	t.mtx.Lock()
	existing, ok := t.conns[c.peer]
	if ok && !t.preferred(c) {
		t.mtx.Unlock()
		t.logger.Debug("dropping duplicate connection", "peer", c.peer)
		return false
	}
	t.conns[c.peer] = c
	t.mtx.Unlock()

	if ok {
		// replaced silently: the peer stays up
		_ = existing.conn.Close()
		return true
	}
	t.metrics.Peers.Add(1)
	t.logger.Info("peer connected", "peer", c.peer, "outbound", c.outbound)
	t.updates.SendUpdate(ctx, PeerUpdate{NodeID: c.peer, Status: PeerStatusUp})
	return true
}

func (t *WSTransport) removeConn(ctx context.Context, c *wsConn) {
	t.updMtx.Lock()
	defer t.updMtx.Unlock()

	t.mtx.Lock()
	current := t.conns[c.peer] == c
	if current {
		delete(t.conns, c.peer)
	}
	t.mtx.Unlock()

	if !current {
		return
	}
	t.metrics.Peers.Add(-1)
	t.logger.Info("peer disconnected", "peer", c.peer)
	t.updates.SendUpdate(ctx, PeerUpdate{NodeID: c.peer, Status: PeerStatusDown})
}

func (t *WSTransport) writeLoop(c *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case frame := <-c.queue.dequeue():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.logger.Debug("failed to write frame", "peer", c.peer, "err", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (t *WSTransport) readLoop(ctx context.Context, c *wsConn) error {
	idle := 2 * t.opts.PingInterval
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }
	c.conn.SetPongHandler(extend)
	for {
		if err := extend(""); err != nil {
			return err
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg, reason := t.decodeFrame(c, data)
		if msg == nil {
			t.metrics.FramesDropped.With("reason", reason).Add(1)
			t.logger.Debug("dropped frame", "peer", c.peer, "reason", reason)
			continue
		}
		t.metrics.MessagesReceived.With("message_type", t.labels.ValueToMetricLabel(msg)).Add(1)
		select {
		case <-ctx.Done():
			return nil
		case t.inCh <- Envelope{From: c.peer, To: t.nodeKey.TraderID, Message: msg}:
		}
	}
}

// decodeFrame verifies and decodes an inbound frame. On failure it returns
// the reason the frame was dropped.
func (t *WSTransport) decodeFrame(c *wsConn, data []byte) (msg proto.Message, reason string) {
	var frame marketproto.Frame
	if err := frame.Unmarshal(data); err != nil {
		return nil, "malformed"
	}
	if !bytes.Equal(frame.PubKey, c.pubKey) {
		return nil, "key_mismatch"
	}
	if !types.VerifySignature(frame.PubKey, frame.Payload, frame.Signature) {
		return nil, "bad_signature"
	}
	msg, err := decodeMessage(frame.Payload)
	if err != nil {
		return nil, "malformed"
	}
	if hc, ok := msg.(marketproto.HeaderCarrier); ok && hc.GetHeader().TraderID != string(c.peer) {
		return nil, "trader_mismatch"
	}
	return msg, ""
}

func (t *WSTransport) encodeFrame(payload []byte) []byte {
	frame := marketproto.Frame{
		PubKey:    t.nodeKey.PubKey(),
		Signature: t.nodeKey.Sign(payload),
		Payload:   payload,
	}
	bz, _ := frame.Marshal()
	return bz
}

func (t *WSTransport) route(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-t.outCh:
			t.send(e)
		case pe := <-t.errCh:
			t.logger.Error("peer error", "peer", pe.NodeID, "err", pe.Err)
			t.mtx.RLock()
			c, ok := t.conns[pe.NodeID]
			t.mtx.RUnlock()
			if ok {
				_ = c.conn.Close()
			}
		}
	}
}

func (t *WSTransport) send(e Envelope) {
	wrapped, err := marketproto.Wrap(e.Message)
	if err != nil {
		t.logger.Error("dropping unroutable message", "err", err)
		return
	}
	payload, err := wrapped.Marshal()
	if err != nil {
		t.logger.Error("failed to encode message", "err", err)
		return
	}
	frame := t.encodeFrame(payload)

	var targets []*wsConn
	t.mtx.RLock()
	if e.Broadcast {
		for _, c := range t.conns {
			targets = append(targets, c)
		}
	} else if c, ok := t.conns[e.To]; ok {
		targets = append(targets, c)
	}
	t.mtx.RUnlock()

	if len(targets) == 0 && !e.Broadcast {
		t.logger.Debug("dropping message for unconnected peer", "to", e.To)
		return
	}
	label := t.labels.ValueToMetricLabel(e.Message)
	for _, c := range targets {
		if !c.queue.enqueue(frame) {
			t.logger.Error("dropping message, send queue full", "peer", c.peer)
			continue
		}
		t.metrics.MessagesSent.With("message_type", label).Add(1)
	}
}
