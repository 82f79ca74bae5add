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

	"github.com/oxen-io/hivemind/model"
)

// ConnID identifies a connected peer (its zmq routing id).
type ConnID string

// Message is one inbound command or request. For requests, Reply must be
// called exactly once (possibly long after the handler returned).
type Message struct {
	Conn      ConnID
	Command   string
	Data      [][]byte
	IsRequest bool

	server *Server
	client *Client
	tag    string
}

// Reply answers a request message. A no-op for plain commands.
func (m *Message) Reply(parts ...[]byte) error {
	if !m.IsRequest {
		return nil
	}
	if m.server != nil {
		frames := [][]byte{[]byte(m.Conn), []byte(frameReply), []byte(m.tag), []byte(replyOK)}

		return m.server.send(append(frames, parts...))
	}
	frames := [][]byte{[]byte(frameReply), []byte(m.tag), []byte(replyOK)}

	return m.client.send(append(frames, parts...))
}

// Server returns the listener this message arrived on; nil for messages
// received on an outbound client connection.
func (m *Message) Server() *Server { return m.server }

// ReplyFailure answers a request message with a failure status.
func (m *Message) ReplyFailure(parts ...[]byte) error {
	if !m.IsRequest {
		return nil
	}
	if m.server != nil {
		frames := [][]byte{[]byte(m.Conn), []byte(frameReply), []byte(m.tag), []byte(replyFail)}

		return m.server.send(append(frames, parts...))
	}
	frames := [][]byte{[]byte(frameReply), []byte(m.tag), []byte(replyFail)}

	return m.client.send(append(frames, parts...))
}

// Handler processes one inbound message; it runs on its own goroutine.
type Handler func(m *Message)

type endpoint struct {
	handler Handler
	auth    AuthLevel
	request bool
}

// Server is one ROUTER listener. Peers connecting to it start at the
// server's default auth level and may upgrade via the built-in auth.pubkey
// endpoint (an ed25519 proof bound to the peer's routing id, checked
// against the admin allowlist).
type Server struct {
	sock        zmq4.Socket
	defaultAuth AuthLevel
	adminKeys   map[model.Ed25519PK]struct{}
	timeout     time.Duration

	mu        sync.Mutex
	endpoints map[string]endpoint
	peers     map[ConnID]AuthLevel

	pending *pendingRequests

	sendMu sync.Mutex
	closed chan struct{}
	wg     sync.WaitGroup
}

// NewServer creates a ROUTER server; peers get defaultAuth until they
// authenticate with a key from adminKeys.
func NewServer(ctx context.Context, defaultAuth AuthLevel, adminKeys map[model.Ed25519PK]struct{}) *Server {
	s := &Server{
		sock:        zmq4.NewRouter(ctx),
		defaultAuth: defaultAuth,
		adminKeys:   adminKeys,
		timeout:     DefaultRequestTimeout,
		endpoints:   make(map[string]endpoint),
		peers:       make(map[ConnID]AuthLevel),
		pending:     newPendingRequests(),
		closed:      make(chan struct{}),
	}
	s.AddRequest("auth.pubkey", AuthNone, s.handleAuthPubkey)

	return s
}

// AddCommand registers a fire-and-forget endpoint.
func (s *Server) AddCommand(name string, auth AuthLevel, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[name] = endpoint{handler: h, auth: auth}
}

// AddRequest registers a request/reply endpoint.
func (s *Server) AddRequest(name string, auth AuthLevel, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[name] = endpoint{handler: h, auth: auth, request: true}
}

// Listen binds the socket and starts the receive loop. May be called once.
func (s *Server) Listen(addr string) error {
	if err := s.sock.Listen(addr); err != nil {
		return errors.Wrapf(err, "failed to listen on %v", addr)
	}
	s.wg.Add(1)
	go s.recvLoop()

	return nil
}

// Close stops the receive loop and fails all pending requests.
func (s *Server) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	err := s.sock.Close()
	s.pending.failAll("closed")
	s.wg.Wait()

	return errors.Wrap(err, "failed to close server socket")
}

// Request sends a request to a connected peer; cb fires on reply or
// timeout.
func (s *Server) Request(conn ConnID, command string, parts [][]byte, cb ReplyFunc) error {
	tag := uuid.NewString()
	s.pending.add(tag, cb, s.timeout)
	frames := [][]byte{[]byte(conn), []byte(frameRequest), []byte(tag), []byte(command)}
	if err := s.send(append(frames, parts...)); err != nil {
		s.pending.resolve(tag, false, [][]byte{[]byte(err.Error())})

		return err
	}

	return nil
}

// Send fires a command at a connected peer.
func (s *Server) Send(conn ConnID, command string, parts ...[]byte) error {
	frames := [][]byte{[]byte(conn), []byte(frameCommand), []byte(command)}

	return s.send(append(frames, parts...))
}

// PeerAuth returns the peer's current auth level.
func (s *Server) PeerAuth(conn ConnID) AuthLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lvl, ok := s.peers[conn]; ok {
		return lvl
	}

	return s.defaultAuth
}

func (s *Server) send(frames [][]byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	return errors.Wrap(s.sock.Send(zmq4.NewMsgFrom(frames...)), "failed to send frames")
}

func (s *Server) recvLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			log.Printf("WARN: mq server recv failed: %v", err)

			return
		}
		if len(msg.Frames) < 2 {
			continue
		}
		s.dispatch(ConnID(msg.Frames[0]), msg.Frames[1:])
	}
}

func (s *Server) dispatch(conn ConnID, frames [][]byte) {
	size := 0
	for _, f := range frames {
		size += len(f)
	}
	if size > MaxMsgSize {
		log.Printf("WARN: dropping oversized (%vB) message from %x", size, string(conn))

		return
	}

	switch string(frames[0]) {
	case frameCommand:
		if len(frames) < 2 {
			return
		}
		s.invoke(&Message{Conn: conn, Command: string(frames[1]), Data: frames[2:], server: s})
	case frameRequest:
		if len(frames) < 3 {
			return
		}
		s.invoke(&Message{
			Conn:      conn,
			Command:   string(frames[2]),
			Data:      frames[3:],
			IsRequest: true,
			server:    s,
			tag:       string(frames[1]),
		})
	case frameReply:
		if len(frames) < 3 {
			return
		}
		s.pending.resolve(string(frames[1]), string(frames[2]) == replyOK, frames[3:])
	}
}

func (s *Server) invoke(m *Message) {
	s.mu.Lock()
	ep, ok := s.endpoints[m.Command]
	lvl, known := s.peers[m.Conn]
	s.mu.Unlock()
	if !known {
		lvl = s.defaultAuth
	}

	if !ok {
		log.Printf("WARN: request for unknown endpoint %q", m.Command)
		s.replyError(m, "unknown endpoint")

		return
	}
	if lvl < ep.auth {
		log.Printf("WARN: peer %x lacks auth for %q", string(m.Conn), m.Command)
		s.replyError(m, "access denied")

		return
	}
	if ep.request != m.IsRequest {
		log.Printf("WARN: endpoint %q invoked with wrong message type", m.Command)
		s.replyError(m, "wrong invocation")

		return
	}

	go ep.handler(m)
}

func (s *Server) replyError(m *Message, reason string) {
	if !m.IsRequest {
		return
	}
	frames := [][]byte{[]byte(m.Conn), []byte(frameReply), []byte(m.tag), []byte(replyFail), []byte(reason)}
	if err := s.send(frames); err != nil {
		log.Printf("WARN: failed to send error reply: %v", err)
	}
}

// authMessage is what an authenticating peer signs: its own routing id,
// which binds the proof to this connection.
func authMessage(conn ConnID) []byte {
	return append([]byte("HIVEMIND-AUTH"), conn...)
}

func (s *Server) handleAuthPubkey(m *Message) {
	if len(m.Data) != 2 || len(m.Data[0]) != ed25519.PublicKeySize || len(m.Data[1]) != ed25519.SignatureSize {
		s.replyError(m, "bad auth request")

		return
	}
	var pk model.Ed25519PK
	copy(pk[:], m.Data[0])
	if _, allowed := s.adminKeys[pk]; !allowed {
		s.replyError(m, "unknown pubkey")

		return
	}
	if !ed25519.Verify(m.Data[0], authMessage(m.Conn), m.Data[1]) {
		s.replyError(m, "bad signature")

		return
	}

	s.mu.Lock()
	s.peers[m.Conn] = AuthAdmin
	s.mu.Unlock()
	log.Printf("peer %x authenticated as admin", string(m.Conn))

	if err := m.Reply([]byte("OK")); err != nil {
		log.Printf("WARN: failed to confirm auth: %v", err)
	}
}
