// SPDX-License-Identifier: GPL-3.0-or-later

package model

import (
	"crypto/ed25519"
	"strconv"

	"filippo.io/edwards25519"
	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

var ErrSignatureVerifyFailure = errors.New("signature verification failed")

// Subaccount is a delegated-signing authorization: a 36-byte tag
// (netprefix, flags, two reserved bytes, delegate ed25519 pubkey) plus the
// account owner's signature over the raw tag.
type Subaccount struct {
	Tag SubaccountTag
	Sig Signature
}

// Subaccount flag bits (tag byte 1).
const (
	SubaccountRead      = 1 << 0
	SubaccountWrite     = 1 << 1
	SubaccountDelete    = 1 << 2
	SubaccountAnyPrefix = 1 << 3
)

func (s *Subaccount) NetPrefix() byte { return s.Tag[0] }
func (s *Subaccount) Flags() byte     { return s.Tag[1] }

func (s *Subaccount) DelegatePubkey() (pk Ed25519PK) {
	copy(pk[:], s.Tag[4:])

	return pk
}

// VerifyForAccount checks that the subaccount grants read access to the
// given account and is authorized by the account's own key, returning the
// delegate pubkey the main message signature must verify against.
func (s *Subaccount) VerifyForAccount(accountID AccountID, accountPK Ed25519PK) (Ed25519PK, error) {
	if s.Flags()&SubaccountRead == 0 {
		return Ed25519PK{}, errors.Wrap(ErrSignatureVerifyFailure, "subaccount does not have read permission")
	}
	if s.Flags()&SubaccountAnyPrefix == 0 && s.NetPrefix() != accountID[0] {
		return Ed25519PK{}, errors.Wrap(ErrSignatureVerifyFailure, "subaccount network prefix does not match account")
	}
	if !ed25519.Verify(ed25519.PublicKey(accountPK[:]), s.Tag[:], s.Sig[:]) {
		return Ed25519PK{}, errors.Wrap(ErrSignatureVerifyFailure, "subaccount tag signature is invalid")
	}

	return s.DelegatePubkey(), nil
}

const subkeyTagHashKey = "OxenSSSubkey"

// legacySubkeyPubkey computes the derived-subkey verification pubkey
// (c + H(c || A, key="OxenSSSubkey")) * A used by the historical subkey
// authentication scheme.
func legacySubkeyPubkey(tag SubkeyTag, accountPK Ed25519PK) (Ed25519PK, error) {
	hasher, err := blake2b.New(32, []byte(subkeyTagHashKey))
	if err != nil {
		return Ed25519PK{}, errors.Wrap(err, "failed to init keyed blake2b")
	}
	hasher.Write(tag[:])
	hasher.Write(accountPK[:])

	sum := hasher.Sum(nil)
	scalar, err := wideScalar(sum)
	if err != nil {
		return Ed25519PK{}, err
	}
	c, err := wideScalar(tag[:])
	if err != nil {
		return Ed25519PK{}, err
	}
	scalar.Add(scalar, c)

	point, err := new(edwards25519.Point).SetBytes(accountPK[:])
	if err != nil {
		return Ed25519PK{}, errors.Wrap(ErrSignatureVerifyFailure, "failed to compute subkey: bad account pubkey")
	}
	point.ScalarMult(scalar, point)

	var pk Ed25519PK
	copy(pk[:], point.Bytes())

	return pk, nil
}

// wideScalar reduces an arbitrary 32-byte value mod L.
func wideScalar(b []byte) (*edwards25519.Scalar, error) {
	var wide [64]byte
	copy(wide[:], b)
	scalar, err := new(edwards25519.Scalar).SetUniformBytes(wide[:])

	return scalar, errors.Wrap(err, "scalar reduction failed")
}

// VerifySignature checks a plain ed25519 signature.
func VerifySignature(msg []byte, sig Signature, pk Ed25519PK) error {
	if !ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig[:]) {
		return ErrSignatureVerifyFailure
	}

	return nil
}

// VerifyStorageSignature verifies a storage-protocol signature: with a
// subaccount the tag authorization is checked first and the message
// signature verifies against the delegate pubkey; with a legacy subkey tag
// the derived pubkey is used; otherwise the account's own pubkey.
func VerifyStorageSignature(msg []byte, sig Signature, pk *SwarmPubkey, subaccount *Subaccount, subkeyTag *SubkeyTag) error {
	switch {
	case subaccount != nil:
		delegate, err := subaccount.VerifyForAccount(pk.ID, pk.Ed25519)
		if err != nil {
			return err
		}

		return VerifySignature(msg, sig, delegate)
	case subkeyTag != nil:
		derived, err := legacySubkeyPubkey(*subkeyTag, pk.Ed25519)
		if err != nil {
			return err
		}

		return VerifySignature(msg, sig, derived)
	default:
		return VerifySignature(msg, sig, pk.Ed25519)
	}
}

// SubscribeSigMessage is the canonical subscription signing payload:
// "MONITOR" || HEX(account) || sig_ts || want_data || ns0,ns1,...
func SubscribeSigMessage(id AccountID, sigTS int64, wantData bool, namespaces []int16) []byte {
	msg := make([]byte, 0, 7+66+10+1+7*len(namespaces))
	msg = append(msg, "MONITOR"...)
	msg = append(msg, id.Hex()...)
	msg = strconv.AppendInt(msg, sigTS, 10)
	if wantData {
		msg = append(msg, '1')
	} else {
		msg = append(msg, '0')
	}
	for i, ns := range namespaces {
		if i > 0 {
			msg = append(msg, ',')
		}
		msg = strconv.AppendInt(msg, int64(ns), 10)
	}

	return msg
}

// UnsubscribeSigMessage is "UNSUBSCRIBE" || HEX(account) || sig_ts.
func UnsubscribeSigMessage(id AccountID, sigTS int64) []byte {
	msg := make([]byte, 0, 11+66+10)
	msg = append(msg, "UNSUBSCRIBE"...)
	msg = append(msg, id.Hex()...)
	msg = strconv.AppendInt(msg, sigTS, 10)

	return msg
}
