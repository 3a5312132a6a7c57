// Package transport implements the caller side of a service connection with
// request multiplexing and heartbeat.
//
// ClientTransport lets many outstanding requests share one TCP connection.
// Each request gets a unique sequence ID, and a background goroutine (recvLoop)
// reads responses and routes them to the right caller through a per-request
// channel. This is what makes a non-blocking call non-blocking: Send returns
// as soon as the frame is written, long before the answer arrives.
//
//	future-1 ──Send(seq=1)──┐
//	future-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Dispatch Core
//	future-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → future-2 resolves
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/codec"
	"mesh-rpc/message"
	"mesh-rpc/protocol"
	"mesh-rpc/rpcerr"
)

// DefaultHeartbeat is the interval between heartbeat frames.
const DefaultHeartbeat = 30 * time.Second

// ErrClosed is returned by Send once the connection is gone.
var ErrClosed = errors.New("transport: connection closed")

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32      // Protected by sending
	pending sync.Map    // map[uint32]chan *message.Response
	sending sync.Mutex  // Whole frames must be written atomically
	closed  atomic.Bool // Set once recvLoop has given up on the connection
	done    chan struct{}
	log     *zap.Logger
}

// NewClientTransport starts recvLoop and heartbeatLoop on conn.
// A nil logger is replaced by a no-op one.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, logger *zap.Logger) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
		log:   logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}
	go t.recvLoop()
	go t.heartbeatLoop(DefaultHeartbeat)
	return t
}

// Send writes req and returns a channel that receives exactly one response.
// A transport failure after Send returns is delivered on the channel as a
// TransportFault response.
func (t *ClientTransport) Send(req *message.Request) (<-chan *message.Response, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	// Register before writing so recvLoop can never see an unknown seq.
	respChan := make(chan *message.Response, 1)
	t.pending.Store(seq, respChan)

	if t.closed.Load() {
		// recvLoop may have drained pending before our Store landed.
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return nil, ErrClosed
		}
		return respChan, nil
	}

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return nil, err
	}
	return respChan, nil
}

// Close tears the connection down. Pending requests fail with TransportFault.
func (t *ClientTransport) Close() error {
	return t.conn.Close()
}

// Closed reports whether the connection has been lost.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// recvLoop is the only reader of conn; frame boundaries require a single reader.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeAllPending(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		ch, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			t.log.Warn("response for unknown request", zap.Uint32("seq", header.Seq))
			continue
		}

		resp := &message.Response{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.Response{Kind: rpcerr.KindTransportFault, Error: "malformed response: " + err.Error()}
		}
		ch.(chan *message.Response) <- resp
	}
}

// closeAllPending fails every caller still waiting, so none of them blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	if t.closed.Swap(true) {
		return
	}
	close(t.done)
	t.conn.Close()
	t.log.Debug("connection lost", zap.Error(err))

	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan *message.Response) <- &message.Response{
				Kind:  rpcerr.KindTransportFault,
				Error: err.Error(),
			}
		}
		return true
	})
}

// heartbeatLoop keeps idle connections alive. Heartbeat frames carry no body.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(t.codec),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
