// SPDX-License-Identifier: GPL-3.0-or-later

package model

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeSubaccount(t *testing.T, accountPriv ed25519.PrivateKey, prefix, flags byte) (*Subaccount, ed25519.PrivateKey) {
	t.Helper()
	delegatePub, delegatePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var sub Subaccount
	sub.Tag[0] = prefix
	sub.Tag[1] = flags
	copy(sub.Tag[4:], delegatePub)
	copy(sub.Sig[:], ed25519.Sign(accountPriv, sub.Tag[:]))

	return &sub, delegatePriv
}

func TestSubaccountVerification(t *testing.T) {
	t.Parallel()
	accountPriv, edpk, id := sessionKeypair(t)
	pk, err := NewSwarmPubkey(id, &edpk)
	require.NoError(t, err)

	now := time.Now().Unix()
	namespaces := []int16{0}
	msg := SubscribeSigMessage(id, now, false, namespaces)

	t.Run("delegate signature accepted", func(t *testing.T) {
		sub, delegatePriv := makeSubaccount(t, accountPriv, NetPrefixUser, SubaccountRead)
		var sig Signature
		copy(sig[:], ed25519.Sign(delegatePriv, msg))
		_, err := NewSubscription(pk, sub, nil, namespaces, false, now, sig)
		require.NoError(t, err)
	})

	t.Run("missing read flag rejected", func(t *testing.T) {
		sub, delegatePriv := makeSubaccount(t, accountPriv, NetPrefixUser, SubaccountWrite)
		var sig Signature
		copy(sig[:], ed25519.Sign(delegatePriv, msg))
		_, err := NewSubscription(pk, sub, nil, namespaces, false, now, sig)
		require.Error(t, err)
	})

	t.Run("wrong prefix rejected", func(t *testing.T) {
		sub, delegatePriv := makeSubaccount(t, accountPriv, NetPrefixGroup, SubaccountRead)
		var sig Signature
		copy(sig[:], ed25519.Sign(delegatePriv, msg))
		_, err := NewSubscription(pk, sub, nil, namespaces, false, now, sig)
		require.Error(t, err)
	})

	t.Run("any-prefix flag bypasses prefix check", func(t *testing.T) {
		sub, delegatePriv := makeSubaccount(t, accountPriv, NetPrefixGroup, SubaccountRead|SubaccountAnyPrefix)
		var sig Signature
		copy(sig[:], ed25519.Sign(delegatePriv, msg))
		_, err := NewSubscription(pk, sub, nil, namespaces, false, now, sig)
		require.NoError(t, err)
	})

	t.Run("tag not signed by account rejected", func(t *testing.T) {
		_, otherPriv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		sub, delegatePriv := makeSubaccount(t, otherPriv, NetPrefixUser, SubaccountRead)
		var sig Signature
		copy(sig[:], ed25519.Sign(delegatePriv, msg))
		_, err = NewSubscription(pk, sub, nil, namespaces, false, now, sig)
		require.Error(t, err)
	})

	t.Run("account key cannot sign for a subaccount", func(t *testing.T) {
		sub, _ := makeSubaccount(t, accountPriv, NetPrefixUser, SubaccountRead)
		var sig Signature
		copy(sig[:], ed25519.Sign(accountPriv, msg))
		_, err := NewSubscription(pk, sub, nil, namespaces, false, now, sig)
		require.Error(t, err)
	})
}

func TestUnsubscribeSigMessage(t *testing.T) {
	t.Parallel()
	accountPriv, edpk, id := sessionKeypair(t)
	pk, err := NewSwarmPubkey(id, &edpk)
	require.NoError(t, err)

	msg := UnsubscribeSigMessage(id, 1677520760)
	require.Equal(t, "UNSUBSCRIBE"+id.Hex()+"1677520760", string(msg))

	var sig Signature
	copy(sig[:], ed25519.Sign(accountPriv, msg))
	require.NoError(t, VerifyStorageSignature(msg, sig, pk, nil, nil))
	require.Error(t, VerifyStorageSignature(append(msg, 'x'), sig, pk, nil, nil))
}

func TestSubscribeSigMessageFormat(t *testing.T) {
	t.Parallel()
	var id AccountID
	id[0] = NetPrefixUser
	msg := SubscribeSigMessage(id, 1677520760, true, []int16{-400, 0, 1, 2, 17})
	require.Equal(t, "MONITOR"+id.Hex()+"16775207601-400,0,1,2,17", string(msg))

	msg = SubscribeSigMessage(id, 1677520760, false, []int16{0})
	require.Equal(t, "MONITOR"+id.Hex()+"167752076000", string(msg))
}

func TestParseFixedBytes(t *testing.T) {
	t.Parallel()
	var want EncKey
	for i := range want {
		want[i] = byte(i)
	}

	fromHex, err := ParseEncKey(want.Hex())
	require.NoError(t, err)
	require.Equal(t, want, fromHex)

	fromRaw, err := ParseEncKey(string(want[:]))
	require.NoError(t, err)
	require.Equal(t, want, fromRaw)

	fromB64, err := ParseEncKey("AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	require.NoError(t, err)
	require.Equal(t, want, fromB64)

	fromB64NoPad, err := ParseEncKey("AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8")
	require.NoError(t, err)
	require.Equal(t, want, fromB64NoPad)

	_, err = ParseEncKey("definitely wrong")
	require.ErrorIs(t, err, ErrBadByteValue)
}
