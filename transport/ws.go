package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/s2"
	"github.com/sirupsen/logrus"

	"github.com/mochi-hpc/mofka-go/archive"
	"github.com/mochi-hpc/mofka-go/errext"
)

// Frame types exchanged on a WebSocket connection.
const (
	frameHello    byte = 0
	frameRequest  byte = 1
	frameResponse byte = 2
)

const (
	flagCompressed byte = 1 << 0

	// payloads above this size are S2-compressed on the wire
	compressThreshold = 4 << 10
)

// Internal RPCs emulating one-sided transfers against the origin engine.
const (
	rpcBulkRead  = "$bulk-read"
	rpcBulkWrite = "$bulk-write"
)

// WSEngine is an Engine running RPCs and bulk transfers over WebSocket
// connections. Every engine listens; connections are established lazily in
// either direction and shared for both.
type WSEngine struct {
	address  string
	logger   logrus.FieldLogger
	listener net.Listener
	httpSrv  *http.Server

	mu       sync.RWMutex
	handlers map[rpcKey]Handler
	bulks    map[uint64]*memBulk
	conns    map[string]*wsConn
	closed   bool

	nextBulk atomic.Uint64
	nextReq  atomic.Uint64
}

var _ Engine = (*WSEngine)(nil)

// NewWSEngine listens on the host:port part of address ("ws://host:port").
// A port of 0 picks a free one; Address reflects the bound port.
func NewWSEngine(address string, logger logrus.FieldLogger) (*WSEngine, error) {
	if Protocol(address) != "ws" {
		return nil, errext.Errorf(errext.InvalidConfig, "ws engine requires a ws:// address, got %q", address)
	}
	hostport := strings.TrimPrefix(address, "ws://")
	listener, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	e := &WSEngine{
		address:  "ws://" + listener.Addr().String(),
		listener: listener,
		handlers: make(map[rpcKey]Handler),
		bulks:    make(map[uint64]*memBulk),
		conns:    make(map[string]*wsConn),
	}
	e.logger = logger.WithField("engine", e.address)
	e.DefineRPC(rpcBulkRead, 0, e.handleBulkRead)
	e.DefineRPC(rpcBulkWrite, 0, e.handleBulkWrite)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			e.logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		e.accept(ws)
	})
	e.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := e.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.WithError(err).Debug("listener stopped")
		}
	}()
	return e, nil
}

func (e *WSEngine) Address() string { return e.address }

func (e *WSEngine) Expose(segments [][]byte, mode Mode) (Bulk, error) {
	id := e.nextBulk.Add(1)
	b := newMemBulk(e, id, e.address, segments, mode)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errext.Errorf(errext.Cancelled, "engine %s is closed", e.address)
	}
	e.bulks[id] = b
	return b, nil
}

func (e *WSEngine) dropBulk(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bulks, id)
}

func (e *WSEngine) bulk(id uint64) (*memBulk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bulks[id]
	if !ok {
		return nil, errext.Errorf(errext.TransportError, "engine %s: unknown bulk handle %d", e.address, id)
	}
	return b, nil
}

func (e *WSEngine) DefineRPC(name string, providerID uint16, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[rpcKey{name: name, provider: providerID}] = h
}

func (e *WSEngine) handler(name string, providerID uint16) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[rpcKey{name: name, provider: providerID}]
	return h, ok
}

func (e *WSEngine) Call(ctx context.Context, address string, providerID uint16, name string, req []byte) ([]byte, error) {
	if address == e.address {
		// self-call, skip the wire entirely
		h, ok := e.handler(name, providerID)
		if !ok {
			return nil, errext.Errorf(errext.TransportError,
				"engine %s does not define rpc %s@%d", address, name, providerID)
		}
		return h(ctx, req)
	}
	conn, err := e.connFor(ctx, address)
	if err != nil {
		return nil, err
	}
	id := e.nextReq.Add(1)
	ch := conn.register(id)
	defer conn.forget(id)

	frame, err := encodeRequest(id, providerID, name, req)
	if err != nil {
		return nil, err
	}
	if err := conn.write(frame); err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-conn.done:
		return nil, errext.Errorf(errext.TransportError, "connection to %s lost", address)
	case <-ctx.Done():
		return nil, errext.WithKind(ctx.Err(), errext.Cancelled)
	}
}

func (e *WSEngine) Pull(ctx context.Context, remote BulkRef, local Bulk, localOffset uint64) error {
	if remote.IsNull() {
		return nil
	}
	req := &archive.Buffer{}
	_ = archive.WriteUint64(req, remote.Handle)
	_ = archive.WriteUint64(req, remote.Offset)
	_ = archive.WriteUint64(req, remote.Size)
	payload, err := e.Call(ctx, remote.Address, 0, rpcBulkRead, req.Bytes())
	if err != nil {
		return err
	}
	if uint64(len(payload)) != remote.Size {
		return errext.Errorf(errext.TransportError,
			"bulk read returned %d bytes, wanted %d", len(payload), remote.Size)
	}
	return local.(*memBulk).writeAt(localOffset, payload)
}

func (e *WSEngine) Push(ctx context.Context, remote BulkRef, local Bulk, localOffset uint64) error {
	if remote.IsNull() {
		return nil
	}
	tmp := make([]byte, remote.Size)
	if err := local.(*memBulk).readAt(localOffset, tmp); err != nil {
		return err
	}
	req := &archive.Buffer{}
	_ = archive.WriteUint64(req, remote.Handle)
	_ = archive.WriteUint64(req, remote.Offset)
	_ = archive.WriteBytes(req, tmp)
	_, err := e.Call(ctx, remote.Address, 0, rpcBulkWrite, req.Bytes())
	return err
}

func (e *WSEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*wsConn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[string]*wsConn)
	e.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return e.httpSrv.Close()
}

func (e *WSEngine) handleBulkRead(ctx context.Context, req []byte) ([]byte, error) {
	in := archive.NewBuffer(req)
	handle, err := archive.ReadUint64(in)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	offset, err := archive.ReadUint64(in)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	size, err := archive.ReadUint64(in)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	b, err := e.bulk(handle)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if err := b.readAt(offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *WSEngine) handleBulkWrite(ctx context.Context, req []byte) ([]byte, error) {
	in := archive.NewBuffer(req)
	handle, err := archive.ReadUint64(in)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	offset, err := archive.ReadUint64(in)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	data, err := archive.ReadBytes(in)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	b, err := e.bulk(handle)
	if err != nil {
		return nil, err
	}
	if err := b.writeAt(offset, data); err != nil {
		return nil, err
	}
	return nil, nil
}

// accept handles an inbound connection: the peer announces its canonical
// address in a hello frame, after which the connection is usable in both
// directions.
func (e *WSEngine) accept(ws *websocket.Conn) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	in := archive.NewBuffer(data)
	typ, err := archive.ReadByte(in)
	if err != nil || typ != frameHello {
		e.logger.Warn("peer did not start with a hello frame")
		_ = ws.Close()
		return
	}
	peer, err := archive.ReadString(in)
	if err != nil {
		_ = ws.Close()
		return
	}
	conn := newWSConn(e, ws, peer)
	e.mu.Lock()
	if _, ok := e.conns[peer]; !ok {
		e.conns[peer] = conn
	}
	e.mu.Unlock()
	go conn.readLoop()
}

func (e *WSEngine) connFor(ctx context.Context, address string) (*wsConn, error) {
	e.mu.RLock()
	conn, ok := e.conns[address]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errext.Errorf(errext.Cancelled, "engine %s is closed", e.address)
	}
	if ok {
		return conn, nil
	}

	url := "ws://" + strings.TrimPrefix(address, "ws://") + "/"
	var ws *websocket.Conn
	dial := func() error {
		var err error
		ws, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil) //nolint:bodyclose
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(dial, bo); err != nil {
		return nil, errext.Errorf(errext.TransportError, "dialing %s: %s", address, err)
	}

	hello := &archive.Buffer{}
	_ = archive.WriteByte(hello, frameHello)
	_ = archive.WriteString(hello, e.address)
	if err := ws.WriteMessage(websocket.BinaryMessage, hello.Bytes()); err != nil {
		_ = ws.Close()
		return nil, errext.WithKind(err, errext.TransportError)
	}

	conn = newWSConn(e, ws, address)
	e.mu.Lock()
	if existing, ok := e.conns[address]; ok {
		// lost the dial race, keep the established one
		e.mu.Unlock()
		conn.close()
		return existing, nil
	}
	e.conns[address] = conn
	e.mu.Unlock()
	go conn.readLoop()
	return conn, nil
}

func (e *WSEngine) dropConn(c *wsConn) {
	e.mu.Lock()
	if e.conns[c.peer] == c {
		delete(e.conns, c.peer)
	}
	e.mu.Unlock()
}

type rpcResult struct {
	payload []byte
	err     error
}

type wsConn struct {
	engine *WSEngine
	ws     *websocket.Conn
	peer   string

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[uint64]chan rpcResult

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(e *WSEngine, ws *websocket.Conn, peer string) *wsConn {
	return &wsConn{
		engine:  e,
		ws:      ws,
		peer:    peer,
		pending: make(map[uint64]chan rpcResult),
		done:    make(chan struct{}),
	}
}

func (c *wsConn) register(id uint64) chan rpcResult {
	ch := make(chan rpcResult, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	return ch
}

func (c *wsConn) forget(id uint64) {
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

func (c *wsConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) readLoop() {
	defer func() {
		c.close()
		c.engine.dropConn(c)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		in := archive.NewBuffer(data)
		typ, err := archive.ReadByte(in)
		if err != nil {
			continue
		}
		switch typ {
		case frameRequest:
			id, providerID, name, payload, err := decodeRequest(in)
			if err != nil {
				c.engine.logger.WithError(err).Warn("dropping malformed request frame")
				continue
			}
			go c.serve(id, providerID, name, payload)
		case frameResponse:
			id, payload, err := decodeResponse(in)
			c.pendMu.Lock()
			ch, ok := c.pending[id]
			c.pendMu.Unlock()
			if ok {
				ch <- rpcResult{payload: payload, err: err}
			}
		}
	}
}

func (c *wsConn) serve(id uint64, providerID uint16, name string, payload []byte) {
	h, ok := c.engine.handler(name, providerID)
	var resp []byte
	var err error
	if !ok {
		err = errext.Errorf(errext.TransportError,
			"engine %s does not define rpc %s@%d", c.engine.address, name, providerID)
	} else {
		resp, err = h(context.Background(), payload)
	}
	frame, encErr := encodeResponse(id, resp, err)
	if encErr != nil {
		c.engine.logger.WithError(encErr).Warn("could not encode response frame")
		return
	}
	if writeErr := c.write(frame); writeErr != nil {
		c.engine.logger.WithError(writeErr).Debug("could not write response frame")
	}
}

func maybeCompress(payload []byte) ([]byte, byte) {
	if len(payload) < compressThreshold {
		return payload, 0
	}
	packed := s2.Encode(nil, payload)
	if len(packed) >= len(payload) {
		return payload, 0
	}
	return packed, flagCompressed
}

func maybeDecompress(payload []byte, flags byte) ([]byte, error) {
	if flags&flagCompressed == 0 {
		return payload, nil
	}
	out, err := s2.Decode(nil, payload)
	if err != nil {
		return nil, errext.WithKind(err, errext.TransportError)
	}
	return out, nil
}

func encodeRequest(id uint64, providerID uint16, name string, payload []byte) ([]byte, error) {
	packed, flags := maybeCompress(payload)
	out := &archive.Buffer{}
	_ = archive.WriteByte(out, frameRequest)
	_ = archive.WriteUint64(out, id)
	_ = archive.WriteUint16(out, providerID)
	_ = archive.WriteString(out, name)
	_ = archive.WriteByte(out, flags)
	_ = archive.WriteBytes(out, packed)
	return out.Bytes(), nil
}

func decodeRequest(in *archive.Buffer) (id uint64, providerID uint16, name string, payload []byte, err error) {
	if id, err = archive.ReadUint64(in); err != nil {
		return
	}
	if providerID, err = archive.ReadUint16(in); err != nil {
		return
	}
	if name, err = archive.ReadString(in); err != nil {
		return
	}
	var flags byte
	if flags, err = archive.ReadByte(in); err != nil {
		return
	}
	if payload, err = archive.ReadBytes(in); err != nil {
		return
	}
	payload, err = maybeDecompress(payload, flags)
	return
}

func encodeResponse(id uint64, payload []byte, callErr error) ([]byte, error) {
	out := &archive.Buffer{}
	_ = archive.WriteByte(out, frameResponse)
	_ = archive.WriteUint64(out, id)
	if callErr != nil {
		_ = archive.WriteByte(out, 0)
		_ = archive.WriteByte(out, byte(errext.KindOf(callErr)))
		_ = archive.WriteString(out, callErr.Error())
		return out.Bytes(), nil
	}
	_ = archive.WriteByte(out, 1)
	packed, flags := maybeCompress(payload)
	_ = archive.WriteByte(out, flags)
	_ = archive.WriteBytes(out, packed)
	return out.Bytes(), nil
}

func decodeResponse(in *archive.Buffer) (id uint64, payload []byte, err error) {
	if id, err = archive.ReadUint64(in); err != nil {
		return
	}
	var ok byte
	if ok, err = archive.ReadByte(in); err != nil {
		return
	}
	if ok == 0 {
		var kind byte
		if kind, err = archive.ReadByte(in); err != nil {
			return
		}
		var msg string
		if msg, err = archive.ReadString(in); err != nil {
			return
		}
		err = errext.WithKind(errors.New(msg), errext.Kind(kind))
		return
	}
	var flags byte
	if flags, err = archive.ReadByte(in); err != nil {
		return
	}
	if payload, err = archive.ReadBytes(in); err != nil {
		return
	}
	payload, err = maybeDecompress(payload, flags)
	return
}
