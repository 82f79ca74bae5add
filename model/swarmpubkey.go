// SPDX-License-Identifier: GPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"filippo.io/edwards25519"
	"github.com/cockroachdb/errors"
)

const InvalidSwarmID = uint64(math.MaxUint64)

// SwarmPubkey is a subscribed account: its 33-byte id, the ed25519 pubkey
// messages are verified against, and the derived swarm coordinates. The
// Swarm field is derivation-only state: it is recomputed via UpdateSwarm
// whenever the network's swarm list changes and takes no part in identity.
type SwarmPubkey struct {
	ID         AccountID
	Ed25519    Ed25519PK
	SessionEd  bool // ed25519 differs from the account id (session accounts)
	SwarmSpace uint64
	Swarm      uint64
}

func calcSwarmSpace(id AccountID) (space uint64) {
	for i := 1; i < 33; i += 8 {
		space ^= binary.BigEndian.Uint64(id[i:])
	}

	return space
}

// NewSwarmPubkey builds and validates the account identity. For 0x05-prefixed
// accounts a session ed25519 pubkey must be supplied and must convert
// (ed25519 -> x25519) back to the account id; for anything else the account
// id bytes 1..33 are the ed25519 pubkey and ed must be nil.
func NewSwarmPubkey(id AccountID, ed *Ed25519PK) (*SwarmPubkey, error) {
	pk := &SwarmPubkey{ID: id, SwarmSpace: calcSwarmSpace(id), Swarm: InvalidSwarmID}
	if ed != nil {
		if id[0] != NetPrefixUser {
			return nil, errors.New("session_ed25519 may only be used with 05-prefixed session IDs")
		}
		pk.Ed25519 = *ed
		pk.SessionEd = true
		point, err := new(edwards25519.Point).SetBytes(ed[:])
		if err != nil {
			return nil, errors.Wrap(err, "failed to convert session_ed25519 to x25519 pubkey")
		}
		if !bytes.Equal(point.BytesMontgomery(), id[1:]) {
			return nil, errors.New("account_id/session_ed25519 mismatch: session_ed25519 does not convert to given account_id")
		}
	} else {
		if id[0] == NetPrefixUser {
			return nil, errors.New("session_ed25519 is required for 05-prefixed session IDs")
		}
		copy(pk.Ed25519[:], id[1:])
	}

	return pk, nil
}

// NewSwarmPubkeyTrusted skips the ed25519/account consistency check; only for
// rows already validated when they were stored.
func NewSwarmPubkeyTrusted(id AccountID, ed *Ed25519PK) *SwarmPubkey {
	pk := &SwarmPubkey{ID: id, SwarmSpace: calcSwarmSpace(id), Swarm: InvalidSwarmID}
	if ed != nil {
		pk.Ed25519 = *ed
		pk.SessionEd = true
	} else {
		copy(pk.Ed25519[:], id[1:])
	}

	return pk
}

// ClosestSwarm maps a swarm-space coordinate onto the sorted swarm id list:
// the nearer, in circular distance, of the first id >= space and its left
// neighbour (both wrapping), ties to the right.
func ClosestSwarm(space uint64, sortedSwarmIDs []uint64) uint64 {
	switch len(sortedSwarmIDs) {
	case 0:
		return InvalidSwarmID
	case 1:
		return sortedSwarmIDs[0]
	}

	right := sort.Search(len(sortedSwarmIDs), func(i int) bool { return sortedSwarmIDs[i] >= space })
	if right == len(sortedSwarmIDs) {
		right = 0
	}
	left := right - 1
	if right == 0 {
		left = len(sortedSwarmIDs) - 1
	}

	dright := sortedSwarmIDs[right] - space
	dleft := space - sortedSwarmIDs[left]
	if dright <= dleft {
		return sortedSwarmIDs[right]
	}

	return sortedSwarmIDs[left]
}

// UpdateSwarm recomputes the account's swarm against the given sorted swarm
// id list, reporting whether it changed. Callers own the locking.
func (pk *SwarmPubkey) UpdateSwarm(sortedSwarmIDs []uint64) bool {
	if closest := ClosestSwarm(pk.SwarmSpace, sortedSwarmIDs); closest != pk.Swarm {
		pk.Swarm = closest

		return true
	}

	return false
}
