// SPDX-License-Identifier: GPL-3.0-or-later

package mq

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/hivemind/model"
)

func testEndpoint(t *testing.T) string {
	t.Helper()

	return fmt.Sprintf("ipc://%v", filepath.Join(t.TempDir(), "mq.sock"))
}

func startServer(t *testing.T, defaultAuth AuthLevel, adminKeys map[model.Ed25519PK]struct{}) (*Server, string) {
	t.Helper()
	srv := NewServer(context.Background(), defaultAuth, adminKeys)
	addr := testEndpoint(t)
	require.NoError(t, srv.Listen(addr))
	t.Cleanup(func() { srv.Close() })

	return srv, addr
}

func dial(t *testing.T, addr string, opts ...ClientOption) *Client {
	t.Helper()
	client := NewClient(context.Background(), opts...)
	require.NoError(t, client.Dial(addr))
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRequestReply(t *testing.T) {
	srv, addr := startServer(t, AuthNone, nil)
	srv.AddRequest("test.echo", AuthNone, func(m *Message) {
		require.NoError(t, m.Reply(m.Data...))
	})

	client := dial(t, addr)

	done := make(chan [][]byte, 1)
	require.NoError(t, client.Request("test.echo", [][]byte{[]byte("a"), []byte("b")}, func(success bool, data [][]byte) {
		require.True(t, success)
		done <- data
	}))

	select {
	case data := <-done:
		require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, data)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestCommandDelivery(t *testing.T) {
	srv, addr := startServer(t, AuthNone, nil)
	got := make(chan string, 1)
	srv.AddCommand("test.ping", AuthNone, func(m *Message) {
		got <- string(m.Data[0])
	})

	client := dial(t, addr)
	require.NoError(t, client.Send("test.ping", []byte("hello")))

	select {
	case v := <-got:
		require.Equal(t, "hello", v)
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestRequestTimeout(t *testing.T) {
	srv, addr := startServer(t, AuthNone, nil)
	srv.AddRequest("test.blackhole", AuthNone, func(m *Message) {
		// Never replies.
	})

	client := dial(t, addr, WithRequestTimeout(100*time.Millisecond))

	done := make(chan struct{})
	require.NoError(t, client.Request("test.blackhole", nil, func(success bool, data [][]byte) {
		require.False(t, success)
		require.Equal(t, TimeoutPart, string(data[0]))
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout callback never fired")
	}
}

func TestAuthUpgrade(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var adminPK model.Ed25519PK
	copy(adminPK[:], pub)

	srv, addr := startServer(t, AuthNone, map[model.Ed25519PK]struct{}{adminPK: {}})
	srv.AddRequest("admin.secret", AuthAdmin, func(m *Message) {
		require.NoError(t, m.Reply([]byte("ok")))
	})

	client := dial(t, addr)

	// Denied before authenticating.
	denied := make(chan struct{})
	require.NoError(t, client.Request("admin.secret", nil, func(success bool, data [][]byte) {
		require.False(t, success)
		close(denied)
	}))
	select {
	case <-denied:
	case <-time.After(5 * time.Second):
		t.Fatal("no denial")
	}

	require.NoError(t, client.Authenticate(priv, 5*time.Second))

	allowed := make(chan struct{})
	require.NoError(t, client.Request("admin.secret", nil, func(success bool, data [][]byte) {
		require.True(t, success)
		close(allowed)
	}))
	select {
	case <-allowed:
	case <-time.After(5 * time.Second):
		t.Fatal("no reply after auth")
	}

	// A key outside the allowlist is rejected.
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	other := dial(t, addr)
	require.Error(t, other.Authenticate(otherPriv, 5*time.Second))
}

func TestServerPushToPeer(t *testing.T) {
	srv, addr := startServer(t, AuthBasic, nil)

	registered := make(chan ConnID, 1)
	srv.AddCommand("svc.register", AuthBasic, func(m *Message) {
		registered <- m.Conn
	})

	client := dial(t, addr)
	validated := make(chan struct{})
	client.OnCommand("svc.validate", func(m *Message) {
		require.NoError(t, m.Reply([]byte("0"), []byte("some-long-enough-service-identifier")))
	})
	client.OnCommand("svc.push", func(m *Message) {
		close(validated)
	})
	require.NoError(t, client.Send("svc.register"))

	var conn ConnID
	select {
	case conn = <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("registration not received")
	}

	// Server-initiated request over the inbound connection.
	reply := make(chan [][]byte, 1)
	require.NoError(t, srv.Request(conn, "svc.validate", [][]byte{[]byte("x")}, func(success bool, data [][]byte) {
		require.True(t, success)
		reply <- data
	}))
	select {
	case data := <-reply:
		require.Equal(t, "0", string(data[0]))
	case <-time.After(5 * time.Second):
		t.Fatal("validate reply not received")
	}

	// And a fire-and-forget push.
	require.NoError(t, srv.Send(conn, "svc.push", []byte("payload")))
	select {
	case <-validated:
	case <-time.After(5 * time.Second):
		t.Fatal("push not received")
	}
}
