// SPDX-License-Identifier: GPL-3.0-or-later

package mq

import (
	"context"
	"crypto/ed25519"
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// Client is a DEALER connection to a single remote (a storage node, the
// oxend RPC, or the relay itself from a notifier's point of view). The
// remote may push commands back over the same connection; register those
// with OnCommand before dialing.
type Client struct {
	sock    zmq4.Socket
	id      string
	timeout time.Duration
	pending *pendingRequests

	mu       sync.Mutex
	handlers map[string]Handler

	sendMu sync.Mutex
	closed chan struct{}
	wg     sync.WaitGroup
}

// ClientOption mutates a Client before it dials.
type ClientOption func(c *Client)

// WithRequestTimeout overrides the default pending-request timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates an unconnected client with a random routing identity.
func NewClient(ctx context.Context, opts ...ClientOption) *Client {
	id := uuid.NewString()
	c := &Client{
		sock:     zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(id))),
		id:       id,
		timeout:  DefaultRequestTimeout,
		pending:  newPendingRequests(),
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnCommand registers a handler for commands/requests pushed by the remote.
func (c *Client) OnCommand(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

// Dial connects to the remote and starts the receive loop. Blocks until the
// underlying transport connection is established (or fails).
func (c *Client) Dial(addr string) error {
	if err := c.sock.Dial(addr); err != nil {
		return errors.Wrapf(err, "failed to dial %v", addr)
	}
	c.wg.Add(1)
	go c.recvLoop()

	return nil
}

// Close shuts the connection down, failing all pending requests.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	err := c.sock.Close()
	c.pending.failAll("closed")
	c.wg.Wait()

	return errors.Wrap(err, "failed to close client socket")
}

// Request issues a request; cb fires from the receive loop on reply, or
// with a TIMEOUT part if no reply arrives in time.
func (c *Client) Request(command string, parts [][]byte, cb ReplyFunc) error {
	tag := uuid.NewString()
	c.pending.add(tag, cb, c.timeout)
	frames := [][]byte{[]byte(frameRequest), []byte(tag), []byte(command)}
	if err := c.send(append(frames, parts...)); err != nil {
		c.pending.resolve(tag, false, [][]byte{[]byte(err.Error())})

		return err
	}

	return nil
}

// Send fires a command at the remote.
func (c *Client) Send(command string, parts ...[]byte) error {
	frames := [][]byte{[]byte(frameCommand), []byte(command)}

	return c.send(append(frames, parts...))
}

// Authenticate proves key ownership to the remote server, upgrading this
// connection's auth level if the key is allowlisted there.
func (c *Client) Authenticate(priv ed25519.PrivateKey, timeout time.Duration) error {
	sig := ed25519.Sign(priv, authMessage(ConnID(c.id)))

	done := make(chan error, 1)
	err := c.Request("auth.pubkey", [][]byte{priv.Public().(ed25519.PublicKey), sig}, func(success bool, data [][]byte) {
		if !success {
			reason := "auth failed"
			if len(data) > 0 {
				reason = string(data[0])
			}
			done <- errors.New(reason)

			return
		}
		done <- nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return errors.Wrap(err, "authentication rejected")
	case <-time.After(timeout):
		return errors.New("authentication timed out")
	}
}

func (c *Client) send(frames [][]byte) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	return errors.Wrap(c.sock.Send(zmq4.NewMsgFrom(frames...)), "failed to send frames")
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			log.Printf("WARN: mq client recv failed: %v", err)

			return
		}
		if len(msg.Frames) < 1 {
			continue
		}
		c.dispatch(msg.Frames)
	}
}

func (c *Client) dispatch(frames [][]byte) {
	switch string(frames[0]) {
	case frameReply:
		if len(frames) < 3 {
			return
		}
		c.pending.resolve(string(frames[1]), string(frames[2]) == replyOK, frames[3:])
	case frameCommand:
		if len(frames) < 2 {
			return
		}
		c.invoke(&clientMessage{client: c, command: string(frames[1]), data: frames[2:]})
	case frameRequest:
		if len(frames) < 3 {
			return
		}
		c.invoke(&clientMessage{client: c, command: string(frames[2]), data: frames[3:], request: true, tag: string(frames[1])})
	}
}

type clientMessage struct {
	client  *Client
	command string
	data    [][]byte
	request bool
	tag     string
}

func (c *Client) invoke(m *clientMessage) {
	c.mu.Lock()
	h, ok := c.handlers[m.command]
	c.mu.Unlock()
	if !ok {
		log.Printf("WARN: remote invoked unknown command %q", m.command)
		if m.request {
			_ = c.send([][]byte{[]byte(frameReply), []byte(m.tag), []byte(replyFail), []byte("unknown endpoint")})
		}

		return
	}

	msg := &Message{Command: m.command, Data: m.data, IsRequest: m.request, tag: m.tag, client: c}
	go h(msg)
}
