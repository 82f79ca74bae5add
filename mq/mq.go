// SPDX-License-Identifier: GPL-3.0-or-later

// Package mq is the message-queue RPC layer: a ROUTER server exposing named
// `category.command` endpoints with per-peer auth levels, and a DEALER
// client for outbound peers. Wire frames:
//
//	command: ["C", command, parts...]
//	request: ["Q", tag, command, parts...]
//	reply:   ["R", tag, ok, parts...]
//
// where ok is "1"/"0" and tag correlates a reply with its request. Both
// sides may issue commands and requests; a ROUTER prefixes every message
// with the peer's routing identity.
package mq

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// AuthLevel gates endpoint access per peer.
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthBasic
	AuthAdmin
)

const (
	frameCommand = "C"
	frameRequest = "Q"
	frameReply   = "R"

	replyOK   = "1"
	replyFail = "0"

	// DefaultRequestTimeout bounds how long a pending request waits for its
	// reply before the callback fires with a TIMEOUT failure.
	DefaultRequestTimeout = 15 * time.Second

	// MaxMsgSize bounds a single inbound message (all parts).
	MaxMsgSize = 10 * 1024 * 1024
)

// TimeoutPart is the first data part handed to a request callback whose
// request timed out.
const TimeoutPart = "TIMEOUT"

var ErrNotConnected = errors.New("not connected")

// ReplyFunc is invoked exactly once per request: success=false with a
// single TIMEOUT part on timeout, otherwise whatever the remote replied.
type ReplyFunc func(success bool, data [][]byte)

// pendingRequests tracks in-flight requests by tag, firing callbacks on
// reply or timeout.
type pendingRequests struct {
	mu      sync.Mutex
	waiting map[string]*pendingRequest
}

type pendingRequest struct {
	cb    ReplyFunc
	timer *time.Timer
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiting: make(map[string]*pendingRequest)}
}

func (p *pendingRequests) add(tag string, cb ReplyFunc, timeout time.Duration) {
	if cb == nil {
		cb = func(bool, [][]byte) {}
	}
	req := &pendingRequest{cb: cb}
	req.timer = time.AfterFunc(timeout, func() {
		if p.take(tag) != nil {
			cb(false, [][]byte{[]byte(TimeoutPart)})
		}
	})

	p.mu.Lock()
	p.waiting[tag] = req
	p.mu.Unlock()
}

func (p *pendingRequests) take(tag string) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.waiting[tag]
	if !ok {
		return nil
	}
	delete(p.waiting, tag)

	return req
}

// resolve dispatches an incoming reply frame to its callback, if the
// request is still pending.
func (p *pendingRequests) resolve(tag string, success bool, data [][]byte) {
	req := p.take(tag)
	if req == nil {
		return // timed out or never ours
	}
	req.timer.Stop()
	req.cb(success, data)
}

// failAll fires every pending callback with a failure; used on shutdown.
func (p *pendingRequests) failAll(reason string) {
	p.mu.Lock()
	waiting := p.waiting
	p.waiting = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, req := range waiting {
		req.timer.Stop()
		req.cb(false, [][]byte{[]byte(reason)})
	}
}
