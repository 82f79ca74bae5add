// SPDX-License-Identifier: GPL-3.0-or-later

package model

import (
	"time"
)

// Subscription is a validated request to monitor an account: which
// namespaces, whether message data should be attached, and the (possibly
// delegated) signature that storage nodes will accept.
type Subscription struct {
	Subaccount *Subaccount // delegated subaccount auth, if any
	SubkeyTag  *SubkeyTag  // legacy derived-subkey auth, if any
	Namespaces []int16     // strictly increasing, non-empty
	WantData   bool
	SigTS      int64
	Sig        Signature
}

// NewSubscription validates namespaces, the signature timestamp window and
// the signature itself (against the account, delegate, or derived pubkey).
func NewSubscription(pk *SwarmPubkey, subaccount *Subaccount, subkeyTag *SubkeyTag, namespaces []int16, wantData bool, sigTS int64, sig Signature) (*Subscription, error) {
	sub := &Subscription{
		Subaccount: subaccount,
		SubkeyTag:  subkeyTag,
		Namespaces: namespaces,
		WantData:   wantData,
		SigTS:      sigTS,
		Sig:        sig,
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}
	if err := VerifyStorageSignature(SubscribeSigMessage(pk.ID, sigTS, wantData, namespaces), sig, pk, subaccount, subkeyTag); err != nil {
		return nil, NewSubscribeError(CodeError, "%s", err.Error())
	}

	return sub, nil
}

// NewSubscriptionTrusted builds a subscription without re-validating the
// signature; only for rows that were validated when stored.
func NewSubscriptionTrusted(subaccount *Subaccount, subkeyTag *SubkeyTag, namespaces []int16, wantData bool, sigTS int64, sig Signature) *Subscription {
	return &Subscription{
		Subaccount: subaccount,
		SubkeyTag:  subkeyTag,
		Namespaces: namespaces,
		WantData:   wantData,
		SigTS:      sigTS,
		Sig:        sig,
	}
}

func (s *Subscription) validate() error {
	if len(s.Namespaces) == 0 {
		return NewSubscribeError(CodeBadInput, "namespaces missing or empty")
	}
	for i := 0; i+1 < len(s.Namespaces); i++ {
		if s.Namespaces[i] > s.Namespaces[i+1] {
			return NewSubscribeError(CodeBadInput, "namespaces are not sorted numerically")
		}
		if s.Namespaces[i] == s.Namespaces[i+1] {
			return NewSubscribeError(CodeBadInput, "namespaces contains duplicates")
		}
	}
	if s.SigTS == 0 {
		return NewSubscribeError(CodeBadInput, "signature timestamp is missing")
	}
	now := time.Now().Unix()
	if s.SigTS <= now-int64(SignatureExpiry/time.Second) {
		return NewSubscribeError(CodeBadInput, "sig_ts timestamp is too old")
	}
	if s.SigTS >= now+int64(24*time.Hour/time.Second) {
		return NewSubscribeError(CodeBadInput, "sig_ts timestamp is too far in the future")
	}

	return nil
}

func sameSubaccount(a, b *Subaccount) bool {
	if (a == nil) != (b == nil) {
		return false
	}

	return a == nil || a.Tag == b.Tag
}

func sameSubkeyTag(a, b *SubkeyTag) bool {
	if (a == nil) != (b == nil) {
		return false
	}

	return a == nil || *a == *b
}

// IsSame reports whether the two subscriptions are interchangeable as far as
// upstream swarm subscription is concerned: same auth, same namespaces, same
// want_data. Both must belong to the same account; the caller ensures that.
func (s *Subscription) IsSame(other *Subscription) bool {
	return s.IsSameParts(other.Subaccount, other.SubkeyTag, other.Namespaces, other.WantData)
}

func (s *Subscription) IsSameParts(subaccount *Subaccount, subkeyTag *SubkeyTag, namespaces []int16, wantData bool) bool {
	if !sameSubaccount(s.Subaccount, subaccount) || !sameSubkeyTag(s.SubkeyTag, subkeyTag) {
		return false
	}
	if s.WantData != wantData || len(s.Namespaces) != len(namespaces) {
		return false
	}
	for i := range s.Namespaces {
		if s.Namespaces[i] != namespaces[i] {
			return false
		}
	}

	return true
}

// Covers reports whether s subscribes to at least everything other needs:
// same auth, a namespace superset, and want_data implied. Only meaningful
// for two subscriptions of the same account.
func (s *Subscription) Covers(other *Subscription) bool {
	if !sameSubaccount(s.Subaccount, other.Subaccount) || !sameSubkeyTag(s.SubkeyTag, other.SubkeyTag) {
		return false
	}
	if other.WantData && !s.WantData {
		return false
	}

	// Both lists are sorted: walk them together, skipping extras in s. We
	// fail by running out of s before consuming all of other, or by s's head
	// exceeding other's head (a missing namespace).
	for i, j := 0, 0; j < len(other.Namespaces); i++ {
		if i >= len(s.Namespaces) {
			return false
		}
		if s.Namespaces[i] > other.Namespaces[j] {
			return false
		}
		if s.Namespaces[i] == other.Namespaces[j] {
			j++
		}
	}

	return true
}

func (s *Subscription) IsExpired(now int64) bool {
	return s.SigTS < now-int64(SignatureExpiry/time.Second)
}

func (s *Subscription) IsNewer(other *Subscription) bool { return s.SigTS > other.SigTS }
