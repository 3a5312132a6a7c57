package server_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"mesh-rpc/codec"
	"mesh-rpc/internal/meshtest"
	"mesh-rpc/message"
	"mesh-rpc/middleware"
	"mesh-rpc/protocol"
	"mesh-rpc/registry"
	"mesh-rpc/rpcerr"
	"mesh-rpc/server"

	"github.com/stretchr/testify/require"
)

func arith(t *testing.T) *server.Registration {
	reg := server.NewRegistration("arith")
	require.NoError(t, reg.Handle("add", 2, func(_ *server.Runtime, args []float64) server.Step {
		return server.Return(args[0] + args[1])
	}))
	require.NoError(t, reg.Handle("mul", 2, func(_ *server.Runtime, args []float64) server.Step {
		return server.Return(args[0] * args[1])
	}))
	return reg
}

// rawCall writes one request frame and reads the response frame.
func rawCall(t *testing.T, conn net.Conn, ct codec.CodecType, seq uint32, body []byte) (*protocol.Header, *message.Response) {
	require.NoError(t, protocol.Encode(conn, &protocol.Header{
		CodecType: byte(ct),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body))

	header, respBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	resp := &message.Response{}
	require.NoError(t, codec.GetCodec(ct).Decode(respBody, resp))
	return header, resp
}

func TestServerAnswersRawFrames(t *testing.T) {
	rt := meshtest.Runtime(t, "arith", nil)
	svr := meshtest.Serve(t, nil, rt, arith(t))

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		body, err := codec.GetCodec(ct).Encode(&message.Request{Service: "arith", Operation: "add", Args: []float64{1, 2}})
		require.NoError(t, err)

		header, resp := rawCall(t, conn, ct, 123, body)
		require.Equal(t, uint32(123), header.Seq)
		require.Equal(t, byte(ct), header.CodecType)
		require.Equal(t, protocol.MsgTypeResponse, header.MsgType)
		require.False(t, resp.Failed(), resp.Error)
		require.Equal(t, 3.0, resp.Result)
	}

	// Heartbeats are ignored and the connection stays usable.
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil))
	body, _ := codec.GetCodec(codec.CodecTypeBinary).Encode(&message.Request{Service: "arith", Operation: "mul", Args: []float64{4, 6}})
	_, resp := rawCall(t, conn, codec.CodecTypeBinary, 124, body)
	require.Equal(t, 24.0, resp.Result)
}

func TestServerUnknownOperationOverTheWire(t *testing.T) {
	rt := meshtest.Runtime(t, "arith", nil)
	svr := meshtest.Serve(t, nil, rt, arith(t))

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := &message.Request{Service: "arith", Operation: "div", Args: []float64{1, 2}}
	body, _ := codec.GetCodec(codec.CodecTypeJSON).Encode(req)
	_, resp := rawCall(t, conn, codec.CodecTypeJSON, 1, body)
	require.ErrorIs(t, resp.Err(req), rpcerr.ErrUnknownOperation)

	// Malformed bodies are answered, not fatal.
	_, resp = rawCall(t, conn, codec.CodecTypeBinary, 2, []byte{0xff})
	require.Equal(t, rpcerr.KindTransportFault, resp.Kind)

	body, _ = codec.GetCodec(codec.CodecTypeJSON).Encode(&message.Request{Service: "arith", Operation: "add", Args: []float64{2, 2}})
	_, resp = rawCall(t, conn, codec.CodecTypeJSON, 3, body)
	require.Equal(t, 4.0, resp.Result)
}

func TestServerRegistersAndDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	rt := meshtest.Runtime(t, "arith", nil)
	svr, err := server.NewServer(rt, server.WithWeight(3), server.WithVersion("1.2"))
	require.NoError(t, err)
	require.NoError(t, svr.Register(arith(t)))
	require.ErrorIs(t, svr.Register(server.NewRegistration("arith")), server.ErrDuplicateService)
	require.ErrorIs(t, svr.Start("", reg), server.ErrNotListening)

	addr, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, svr.Start("", reg))
	require.ErrorIs(t, svr.Register(server.NewRegistration("late")), server.ErrAlreadyStarted)

	instances, err := reg.Discover(ctx, "arith")
	require.NoError(t, err)
	require.Equal(t, []registry.ServiceInstance{{
		Addr:       addr.String(),
		Weight:     3,
		Version:    "1.2",
		Operations: []string{"add", "mul"},
	}}, instances)

	require.NoError(t, svr.Shutdown(time.Second))
	instances, err = reg.Discover(ctx, "arith")
	require.NoError(t, err)
	require.Empty(t, instances)
}

func TestServerRateLimit(t *testing.T) {
	rt := meshtest.Runtime(t, "arith", nil)
	svr, err := server.NewServer(rt)
	require.NoError(t, err)
	require.NoError(t, svr.Register(arith(t)))
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	_, err = svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, svr.Start("", nil))
	defer svr.Shutdown(time.Second)

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body, _ := codec.GetCodec(codec.CodecTypeBinary).Encode(&message.Request{Service: "arith", Operation: "add", Args: []float64{1, 1}})
	_, resp := rawCall(t, conn, codec.CodecTypeBinary, 1, body)
	require.Equal(t, 2.0, resp.Result)
	_, resp = rawCall(t, conn, codec.CodecTypeBinary, 2, body)
	require.Equal(t, "rate limit exceeded", resp.Error)
}

// slowRegistry delays Discover per service name.
type slowRegistry struct {
	*registry.MemoryRegistry
	delays map[string]time.Duration
}

func (r *slowRegistry) Discover(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	select {
	case <-time.After(r.delays[name]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.MemoryRegistry.Discover(ctx, name)
}

func first(r []float64) server.Step {
	return server.Return(r[0])
}

func TestNestedResolveDoesNotBlockDispatch(t *testing.T) {
	reg := &slowRegistry{
		MemoryRegistry: registry.NewMemoryRegistry(),
		delays:         map[string]time.Duration{"remote": 500 * time.Millisecond},
	}
	proc := server.NewRegistration("proc")
	require.NoError(t, proc.Handle("delegate", 0, func(rt *server.Runtime, _ []float64) server.Step {
		return server.Await(first, rt.Async("remote", "x"))
	}))
	require.NoError(t, proc.Handle("fast", 0, func(*server.Runtime, []float64) server.Step {
		return server.Return(1)
	}))
	meshtest.Serve(t, reg, meshtest.Runtime(t, "proc", meshtest.Connection(t, reg)), proc)

	svc, err := meshtest.Connection(t, reg).Resolve(context.Background(), "proc")
	require.NoError(t, err)

	delegated := svc.Async("delegate")
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	v, err := svc.Call("fast")
	require.NoError(t, err)
	require.Equal(t, 1.0, v)
	require.Less(t, time.Since(start), 250*time.Millisecond, "unrelated request waited for a nested resolve")

	// Nothing serves "remote", so the delegation fails once discovery returns.
	_, err = delegated.Wait()
	require.ErrorIs(t, err, rpcerr.ErrRemoteFailure)
}

func TestNestedCallsAreSentInDeclaredOrder(t *testing.T) {
	reg := &slowRegistry{
		MemoryRegistry: registry.NewMemoryRegistry(),
		delays:         map[string]time.Duration{"first": 200 * time.Millisecond},
	}

	arrived := make(chan string, 2)
	recorder := func(name string, v float64) *server.Registration {
		r := server.NewRegistration(name)
		require.NoError(t, r.Handle("x", 0, func(*server.Runtime, []float64) server.Step {
			arrived <- name
			return server.Return(v)
		}))
		return r
	}
	meshtest.Serve(t, reg, meshtest.Runtime(t, "recorder", nil), recorder("first", 1), recorder("second", 2))

	proc := server.NewRegistration("proc")
	require.NoError(t, proc.Handle("pair", 0, func(rt *server.Runtime, _ []float64) server.Step {
		return server.Await(func(r []float64) server.Step {
			return server.Return(r[0]*10 + r[1])
		}, rt.Async("first", "x"), rt.Async("second", "x"))
	}))
	meshtest.Serve(t, reg, meshtest.Runtime(t, "proc", meshtest.Connection(t, reg)), proc)

	svc, err := meshtest.Connection(t, reg).Resolve(context.Background(), "proc")
	require.NoError(t, err)
	v, err := svc.Call("pair")
	require.NoError(t, err)
	require.Equal(t, 12.0, v)
	require.Equal(t, "first", <-arrived)
	require.Equal(t, "second", <-arrived)
}

func TestStalledPeerDoesNotBlockDispatch(t *testing.T) {
	proc := arith(t)
	payload := strings.Repeat("x", 60000)
	require.NoError(t, proc.Handle("big", 0, func(*server.Runtime, []float64) server.Step {
		return server.Failf("%s", payload)
	}))

	svr, err := server.NewServer(meshtest.Runtime(t, "arith", nil),
		server.WithReplyBacklog(16), server.WithWriteTimeout(500*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, svr.Register(proc))
	_, err = svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, svr.Start("", nil))
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	// This peer asks for far more than the socket buffers hold and never reads.
	stalled, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer stalled.Close()
	big, _ := codec.GetCodec(codec.CodecTypeBinary).Encode(&message.Request{Service: "arith", Operation: "big"})
	for seq := uint32(1); seq <= 600; seq++ {
		err := protocol.Encode(stalled, &protocol.Header{
			CodecType: byte(codec.CodecTypeBinary),
			MsgType:   protocol.MsgTypeRequest,
			Seq:       seq,
		}, big)
		if err != nil {
			break // the server dropped us
		}
	}

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	body, _ := codec.GetCodec(codec.CodecTypeBinary).Encode(&message.Request{Service: "arith", Operation: "add", Args: []float64{2, 3}})
	_, resp := rawCall(t, conn, codec.CodecTypeBinary, 1, body)
	require.Equal(t, 5.0, resp.Result)
}

func TestUnencodableResponseIsTransportFault(t *testing.T) {
	proc := server.NewRegistration("arith")
	require.NoError(t, proc.Handle("huge", 0, func(*server.Runtime, []float64) server.Step {
		return server.Failf("%s", strings.Repeat("x", 70000))
	}))
	svr := meshtest.Serve(t, nil, meshtest.Runtime(t, "arith", nil), proc)

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body, _ := codec.GetCodec(codec.CodecTypeBinary).Encode(&message.Request{Service: "arith", Operation: "huge"})
	_, resp := rawCall(t, conn, codec.CodecTypeBinary, 1, body)
	require.Equal(t, rpcerr.KindTransportFault, resp.Kind)

	// JSON has no field limit and carries the whole message.
	body, _ = codec.GetCodec(codec.CodecTypeJSON).Encode(&message.Request{Service: "arith", Operation: "huge"})
	_, resp = rawCall(t, conn, codec.CodecTypeJSON, 2, body)
	require.Equal(t, rpcerr.KindRemoteFailure, resp.Kind)
	require.Len(t, resp.Error, 70000)
}
