// SPDX-License-Identifier: GPL-3.0-or-later

package model

import (
	"fmt"
	"time"
)

// Hard protocol limits.
const (
	MsgHashMinSize     = 32
	MsgHashMaxSize     = 99
	ServiceNameMaxSize = 32
	ServiceIDMinSize   = 32
	ServiceIDMaxSize   = 999
	ServiceDataMaxSize = 99_999
	MsgDataMaxSize     = 76_800 // storage server limit

	// How long until subscriptions expire, relative to the signature
	// timestamp. Storage servers cut subscriptions off at 14 days, so this
	// can be no more than that.
	SignatureExpiry = 14 * 24 * time.Hour

	// How much an unsubscribe signature timestamp may be off from now.
	UnsubscribeGrace = 24 * time.Hour
)

// Network prefixes of account ids.
const (
	NetPrefixUser  = 0x05
	NetPrefixGroup = 0x03
)

type SubscribeCode int

const (
	CodeOK                  SubscribeCode = 0
	CodeBadInput            SubscribeCode = 1
	CodeServiceNotAvailable SubscribeCode = 2
	CodeServiceTimeout      SubscribeCode = 3
	CodeError               SubscribeCode = 4
	CodeInternalError       SubscribeCode = 5
)

// SubscribeError is a client-reportable failure; Code ends up in the JSON
// "error" field, Message in "message".
type SubscribeError struct {
	Code    SubscribeCode
	Message string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe error %d: %s", e.Code, e.Message)
}

func NewSubscribeError(code SubscribeCode, format string, args ...any) *SubscribeError {
	return &SubscribeError{Code: code, Message: fmt.Sprintf(format, args...)}
}
