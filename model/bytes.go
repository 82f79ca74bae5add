// SPDX-License-Identifier: GPL-3.0-or-later

package model

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
)

// Fixed-size byte values used on the wire and in the store. All of them are
// plain arrays so they are comparable and usable as map keys.
type (
	AccountID     [33]byte
	Ed25519PK     [32]byte
	Ed25519Seed   [32]byte
	X25519PK      [32]byte
	SubkeyTag     [32]byte
	SubaccountTag [36]byte
	Signature     [64]byte
	EncKey        [32]byte
	Blake2b32     [32]byte
)

var ErrBadByteValue = errors.New("invalid value: expected bytes, hex, or base64")

// decodeFixed fills dst from raw bytes, hex, or (optionally padded) base64.
func decodeFixed(dst []byte, in string) error {
	switch {
	case len(in) == len(dst):
		copy(dst, in)

		return nil
	case len(in) == 2*len(dst):
		if _, err := hex.Decode(dst, []byte(in)); err != nil {
			return errors.Wrap(ErrBadByteValue, err.Error())
		}

		return nil
	}
	in = strings.TrimRight(in, "=")
	if len(in) == base64.RawStdEncoding.EncodedLen(len(dst)) {
		if _, err := base64.RawStdEncoding.Decode(dst, []byte(in)); err != nil {
			return errors.Wrap(ErrBadByteValue, err.Error())
		}

		return nil
	}

	return errors.Wrapf(ErrBadByteValue, "got %d characters for a %d-byte value", len(in), len(dst))
}

func ParseAccountID(in string) (v AccountID, err error)         { err = decodeFixed(v[:], in); return v, err }
func ParseEd25519PK(in string) (v Ed25519PK, err error)         { err = decodeFixed(v[:], in); return v, err }
func ParseX25519PK(in string) (v X25519PK, err error)           { err = decodeFixed(v[:], in); return v, err }
func ParseEd25519Seed(in string) (v Ed25519Seed, err error)     { err = decodeFixed(v[:], in); return v, err }
func ParseSubkeyTag(in string) (v SubkeyTag, err error)         { err = decodeFixed(v[:], in); return v, err }
func ParseSubaccountTag(in string) (v SubaccountTag, err error) { err = decodeFixed(v[:], in); return v, err }
func ParseSignature(in string) (v Signature, err error)         { err = decodeFixed(v[:], in); return v, err }
func ParseEncKey(in string) (v EncKey, err error)               { err = decodeFixed(v[:], in); return v, err }

func (v AccountID) Hex() string     { return hex.EncodeToString(v[:]) }
func (v Ed25519PK) Hex() string     { return hex.EncodeToString(v[:]) }
func (v X25519PK) Hex() string      { return hex.EncodeToString(v[:]) }
func (v SubkeyTag) Hex() string     { return hex.EncodeToString(v[:]) }
func (v SubaccountTag) Hex() string { return hex.EncodeToString(v[:]) }
func (v Signature) Hex() string     { return hex.EncodeToString(v[:]) }
func (v EncKey) Hex() string        { return hex.EncodeToString(v[:]) }
func (v Blake2b32) Hex() string     { return hex.EncodeToString(v[:]) }

// HashCode reads a size_t worth of bytes from the middle of the value; a
// random chunk of the inside of a pubkey or hash already has full entropy so
// no mixing is required. Deliberately only defined on the >=32-byte types:
// anything shorter must not use this construction.
func (v AccountID) HashCode() uint64 { return binary.LittleEndian.Uint64(v[16:24]) }
func (v X25519PK) HashCode() uint64  { return binary.LittleEndian.Uint64(v[16:24]) }
func (v Blake2b32) HashCode() uint64 { return binary.LittleEndian.Uint64(v[16:24]) }
