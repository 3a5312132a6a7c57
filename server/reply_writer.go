package server

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/codec"
	"mesh-rpc/message"
	"mesh-rpc/protocol"
	"mesh-rpc/rpcerr"
)

const (
	// DefaultWriteTimeout bounds the write of one response frame.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultReplyBacklog is how many responses may wait for one connection.
	DefaultReplyBacklog = 256
)

type outgoing struct {
	codecType byte
	seq       uint32
	resp      *message.Response
}

// replyWriter owns the write side of one connection. The Dispatch Core only
// queues responses here; a single goroutine encodes and writes them, so a peer
// that stops reading can only stall its own connection.
type replyWriter struct {
	conn    net.Conn
	timeout time.Duration
	log     *zap.Logger

	queue    chan outgoing
	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

func newReplyWriter(conn net.Conn, timeout time.Duration, backlog int, log *zap.Logger) *replyWriter {
	w := &replyWriter{
		conn:    conn,
		timeout: timeout,
		log:     log.With(zap.Stringer("remote", conn.RemoteAddr())),
		queue:   make(chan outgoing, backlog),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go w.run()
	return w
}

// send queues a response and never blocks. A full backlog means the peer is
// not reading; the connection is dropped.
func (w *replyWriter) send(header *protocol.Header, resp *message.Response) {
	select {
	case <-w.stop:
		return
	default:
	}
	select {
	case w.queue <- outgoing{codecType: header.CodecType, seq: header.Seq, resp: resp}:
	default:
		w.log.Warn("reply backlog full, closing connection", zap.Int("backlog", cap(w.queue)))
		w.abort()
	}
}

// close stops accepting responses, writes the ones already queued and waits
// for the writer to exit.
func (w *replyWriter) close() {
	w.halt()
	<-w.exited
}

func (w *replyWriter) halt() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *replyWriter) abort() {
	w.halt()
	w.conn.Close()
}

func (w *replyWriter) run() {
	defer close(w.exited)
	for {
		select {
		case o := <-w.queue:
			if !w.write(o) {
				return
			}
		case <-w.stop:
			for {
				select {
				case o := <-w.queue:
					if !w.write(o) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write answers with the same Seq and codec as the request. A response the
// codec cannot carry is replaced by a TransportFault so the caller still gets
// an answer.
func (w *replyWriter) write(o outgoing) bool {
	c := codec.GetCodec(codec.CodecType(o.codecType))
	body, err := c.Encode(o.resp)
	if err != nil {
		w.log.Warn("failed to encode response", zap.Uint32("seq", o.seq), zap.Error(err))
		body, err = c.Encode(message.Failure(rpcerr.New(rpcerr.KindTransportFault, "", "", "response not encodable: %v", err)))
		if err != nil {
			return true
		}
	}

	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	err = protocol.Encode(w.conn, &protocol.Header{
		CodecType: o.codecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       o.seq,
	}, body)
	if err != nil {
		w.log.Debug("failed to write response, closing connection", zap.Uint32("seq", o.seq), zap.Error(err))
		w.abort()
		return false
	}
	return true
}
