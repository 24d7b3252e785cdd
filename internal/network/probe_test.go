package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedAddr returns an address on localhost that refuses connections.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestProbe_OneReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	hosts := []string{closedAddr(t), closedAddr(t), closedAddr(t), ln.Addr().String()}
	p := NewProbe(hosts, time.Second, zerolog.Nop())

	assert.True(t, p.IsNetworkAvailable(context.Background()))
}

func TestProbe_AllUnreachable(t *testing.T) {
	hosts := []string{closedAddr(t), closedAddr(t)}
	p := NewProbe(hosts, time.Second, zerolog.Nop())

	assert.False(t, p.IsNetworkAvailable(context.Background()))
}

func TestProbe_NoHosts(t *testing.T) {
	p := NewProbe(nil, time.Second, zerolog.Nop())
	assert.False(t, p.IsNetworkAvailable(context.Background()))
}

func TestProbe_ReturnsWithoutWaitingForSlowHosts(t *testing.T) {
	p := NewProbe([]string{"slow-1:53", "slow-2:53", "fast:53"}, 10*time.Second, zerolog.Nop())
	p.SetDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		if address == "fast:53" {
			client, server := net.Pipe()
			server.Close()
			return client, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	ok := p.IsNetworkAvailable(context.Background())

	assert.True(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProbe_TimeoutBoundsEachDial(t *testing.T) {
	p := NewProbe([]string{"blackhole:53"}, 50*time.Millisecond, zerolog.Nop())
	p.SetDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return nil, errors.New("unexpected")
		}
	})

	start := time.Now()
	assert.False(t, p.IsNetworkAvailable(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
}
