// SPDX-License-Identifier: GPL-3.0-or-later

package hive

import (
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/oxen-io/hivemind/model"
)

// FilterTag is the dedup key of one delivered notification:
// blake2b-256(service || svcid || msghash).
func FilterTag(service, svcid string, msgHash []byte) (tag model.Blake2b32) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // only fails with a bad key; we pass none
	}
	hasher.Write([]byte(service))
	hasher.Write([]byte(svcid))
	hasher.Write(msgHash)
	copy(tag[:], hasher.Sum(nil))

	return tag
}

// replayFilter keeps two generations of tags. On rotation the current set
// becomes the previous one, so a tag is suppressed for at least one and at
// most two lifetimes. Callers own the locking.
type replayFilter struct {
	cur, prev map[model.Blake2b32]struct{}
	rotateAt  time.Time
	lifetime  time.Duration
}

func newReplayFilter(lifetime time.Duration, now time.Time) *replayFilter {
	return &replayFilter{
		cur:      make(map[model.Blake2b32]struct{}),
		prev:     make(map[model.Blake2b32]struct{}),
		rotateAt: now.Add(lifetime),
		lifetime: lifetime,
	}
}

func (f *replayFilter) rotateIfDue(now time.Time) {
	if now.Before(f.rotateAt) {
		return
	}
	f.prev = f.cur
	f.cur = make(map[model.Blake2b32]struct{})
	f.rotateAt = now.Add(f.lifetime)
}

// fresh reports whether the tag has not been seen in either generation,
// recording it in the current one.
func (f *replayFilter) fresh(tag model.Blake2b32) bool {
	if _, dup := f.prev[tag]; dup {
		return false
	}
	if _, dup := f.cur[tag]; dup {
		return false
	}
	f.cur[tag] = struct{}{}

	return true
}
