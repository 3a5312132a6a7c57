// Package meshtest starts in-process services on loopback ports for tests.
package meshtest

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mesh-rpc/client"
	"mesh-rpc/registry"
	"mesh-rpc/server"

	"github.com/stretchr/testify/require"
)

// Connection returns a client connection that is closed at cleanup.
func Connection(t testing.TB, reg registry.Registry, opts ...client.Option) *client.Connection {
	opts = append([]client.Option{client.WithLogger(zaptest.NewLogger(t))}, opts...)
	conn, err := client.NewConnection(reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Runtime builds a process runtime. conn may be nil for leaf-only processes.
func Runtime(t testing.TB, name string, conn *client.Connection, opts ...server.RuntimeOption) *server.Runtime {
	opts = append([]server.RuntimeOption{server.WithLogger(zaptest.NewLogger(t))}, opts...)
	if conn != nil {
		opts = append(opts, server.WithConnection(conn))
	}
	return server.NewRuntime(name, opts...)
}

// Serve starts one process hosting regs on 127.0.0.1 and advertises it in
// reg. The server is shut down at cleanup.
func Serve(t testing.TB, reg registry.Registry, rt *server.Runtime, regs ...*server.Registration) *server.Server {
	svr, err := server.NewServer(rt)
	require.NoError(t, err)
	for _, r := range regs {
		require.NoError(t, svr.Register(r))
	}
	_, err = svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, svr.Start("", reg))
	t.Cleanup(func() { svr.Shutdown(5 * time.Second) })
	return svr
}
