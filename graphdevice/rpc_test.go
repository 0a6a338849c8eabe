package graphdevice

import (
	"context"
	"net"
	"net/http"
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (addr string, fake *Fake) {
	t.Helper()
	fake = NewFake()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Service", NewService(fake)))

	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, server)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = http.Serve(l, mux) }()
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().String(), fake
}

func TestRemoteClientRoundTrip(t *testing.T) {
	addr, fake := startTestServer(t)
	client, err := DialHTTP("tcp", addr)
	require.NoError(t, err)

	ctx := context.Background()
	pool, err := client.NewPool(ctx, 0)
	require.NoError(t, err)

	graph, err := client.CaptureBegin(ctx, 0, pool)
	require.NoError(t, err)

	a, err := client.Alloc(ctx, 0, pool, 128)
	require.NoError(t, err)
	require.NotZero(t, a)

	require.NoError(t, client.CaptureEnd(ctx, 0, graph))
	require.NoError(t, client.Replay(ctx, graph))
	require.NoError(t, client.ClearComputeLibraryCaches(ctx))
	require.Equal(t, 1, fake.ClearCacheCalls)
}

func TestRemoteClientCancelledContext(t *testing.T) {
	addr, _ := startTestServer(t)
	client, err := DialHTTP("tcp", addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.NewPool(ctx, 0)
	require.Error(t, err)
}
