package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// Outbound is a protocol event the engine hands to the transport. Peer
// identity, discovery and link encryption are entirely the transport's
// concern.
type Outbound struct {
	// target peer. Ignored when Broadcast is set.
	Peer      PeerId
	Broadcast bool
	Frame     *Frame
}

// Inbound is a protocol event the transport hands to the engine.
type Inbound struct {
	Peer  PeerId
	Frame *Frame
}

type PeerEventType int

const (
	PeerUp PeerEventType = iota
	PeerDown
)

type PeerEvent struct {
	Type PeerEventType
	Peer PeerId
}

type Transport interface {
	// Send delivers to one peer or to all connected peers. An unreachable
	// peer is not a protocol error; anti-entropy repairs the gap later.
	Send(ctx context.Context, out Outbound) error
	Inbound() <-chan Inbound
	PeerEvents() <-chan PeerEvent
	Close()
}

type WsTransportSettings struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	ChannelBufferSize int
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadLimit:         16 * 1024 * 1024,
		ChannelBufferSize: 64,
	}
}

// first message on every connection, both directions
type wsHello struct {
	PeerId PeerId `json:"peer_id"`
}

type wsConn struct {
	peerId    PeerId
	ws        *websocket.Conn
	writeLock sync.Mutex
}

// WsTransport is the reference Transport: JSON frames over websocket with a
// peer-id hello handshake. One connection per peer; a redial replaces the
// old connection.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	localPeerId PeerId
	settings    *WsTransportSettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	conns     map[PeerId]*wsConn

	inbound    chan Inbound
	peerEvents chan PeerEvent

	server *http.Server
}

func NewWsTransport(ctx context.Context, localPeerId PeerId, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		localPeerId: localPeerId,
		settings:    settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:      map[PeerId]*wsConn{},
		inbound:    make(chan Inbound, settings.ChannelBufferSize),
		peerEvents: make(chan PeerEvent, settings.ChannelBufferSize),
	}
}

func (self *WsTransport) Inbound() <-chan Inbound {
	return self.inbound
}

func (self *WsTransport) PeerEvents() <-chan PeerEvent {
	return self.peerEvents
}

// Listen accepts peer connections at ws://addr/gossip.
func (self *WsTransport) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", self.handleUpgrade)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	self.server = &http.Server{
		Handler: mux,
	}
	go func() {
		err := self.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			glog.Infof("[ws]listener exited: %s\n", err)
		}
	}()
	glog.Infof("[ws]listening on %s\n", addr)
	return nil
}

func (self *WsTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// peer speaks first, then we answer
	hello, err := self.readHello(ws)
	if err != nil {
		glog.Infof("[ws]handshake failed: %s\n", err)
		ws.Close()
		return
	}
	if err := self.writeHello(ws); err != nil {
		ws.Close()
		return
	}
	self.register(hello.PeerId, ws)
}

// Dial connects to a peer at url (e.g. ws://host:port/gossip). The remote
// peer id is learned from its hello.
func (self *WsTransport) Dial(url string) (PeerId, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, url, nil)
	if err != nil {
		return PeerId{}, err
	}
	if err := self.writeHello(ws); err != nil {
		ws.Close()
		return PeerId{}, err
	}
	hello, err := self.readHello(ws)
	if err != nil {
		ws.Close()
		return PeerId{}, err
	}
	self.register(hello.PeerId, ws)
	return hello.PeerId, nil
}

func (self *WsTransport) readHello(ws *websocket.Conn) (*wsHello, error) {
	ws.SetReadLimit(self.settings.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})
	_, b, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	hello := &wsHello{}
	if err := json.Unmarshal(b, hello); err != nil {
		return nil, err
	}
	if hello.PeerId.IsZero() {
		return nil, fmt.Errorf("hello without peer id")
	}
	return hello, nil
}

func (self *WsTransport) writeHello(ws *websocket.Conn) error {
	b, err := json.Marshal(&wsHello{
		PeerId: self.localPeerId,
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (self *WsTransport) register(peerId PeerId, ws *websocket.Conn) {
	conn := &wsConn{
		peerId: peerId,
		ws:     ws,
	}

	self.stateLock.Lock()
	replaced := self.conns[peerId]
	self.conns[peerId] = conn
	self.stateLock.Unlock()

	if replaced != nil {
		replaced.ws.Close()
	} else {
		self.peerEvents <- PeerEvent{Type: PeerUp, Peer: peerId}
	}
	glog.Infof("[ws]peer %s connected\n", peerId)

	go self.readPump(conn)
}

func (self *WsTransport) readPump(conn *wsConn) {
	defer self.unregister(conn)
	for {
		_, b, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		frame := &Frame{}
		if err := json.Unmarshal(b, frame); err != nil {
			// malformed envelope: drop the payload, keep the connection
			metricStructuralErrors.Inc()
			glog.Warningf("[ws]malformed frame from %s: %s\n", conn.peerId, err)
			continue
		}
		select {
		case self.inbound <- Inbound{Peer: conn.peerId, Frame: frame}:
		case <-self.ctx.Done():
			return
		}
	}
}

func (self *WsTransport) unregister(conn *wsConn) {
	conn.ws.Close()

	self.stateLock.Lock()
	current := self.conns[conn.peerId]
	gone := current == conn
	if gone {
		delete(self.conns, conn.peerId)
	}
	self.stateLock.Unlock()

	if gone {
		glog.Infof("[ws]peer %s disconnected\n", conn.peerId)
		select {
		case self.peerEvents <- PeerEvent{Type: PeerDown, Peer: conn.peerId}:
		case <-self.ctx.Done():
		}
	}
}

func (self *WsTransport) Connected(peerId PeerId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.conns[peerId]
	return ok
}

func (self *WsTransport) Send(ctx context.Context, out Outbound) error {
	b, err := json.Marshal(out.Frame)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	targets := []*wsConn{}
	if out.Broadcast {
		for _, conn := range self.conns {
			targets = append(targets, conn)
		}
	} else if conn, ok := self.conns[out.Peer]; ok {
		targets = append(targets, conn)
	}
	self.stateLock.Unlock()

	for _, conn := range targets {
		if err := conn.write(b, self.settings.WriteTimeout); err != nil {
			// no retry owed here; anti-entropy repairs the gap
			glog.V(2).Infof("[ws]write to %s failed: %s\n", conn.peerId, err)
		}
	}
	return nil
}

func (self *wsConn) write(b []byte, timeout time.Duration) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(timeout))
	return self.ws.WriteMessage(websocket.TextMessage, b)
}

func (self *WsTransport) Close() {
	self.cancel()
	if self.server != nil {
		self.server.Close()
	}

	self.stateLock.Lock()
	conns := maps.Values(self.conns)
	self.conns = map[PeerId]*wsConn{}
	self.stateLock.Unlock()

	for _, conn := range conns {
		conn.ws.Close()
	}
}
