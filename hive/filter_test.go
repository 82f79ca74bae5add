// SPDX-License-Identifier: GPL-3.0-or-later

package hive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilterTag(t *testing.T) {
	t.Parallel()
	hash := []byte("00000000000000000000000000000000")
	tag := FilterTag("apns", "service-id", hash)
	require.Equal(t, tag, FilterTag("apns", "service-id", hash))
	require.NotEqual(t, tag, FilterTag("firebase", "service-id", hash))
	require.NotEqual(t, tag, FilterTag("apns", "other-id", hash))
	require.NotEqual(t, tag, FilterTag("apns", "service-id", []byte("11111111111111111111111111111111")))
}

func TestReplayFilterRotation(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newReplayFilter(10*time.Minute, now)
	tag := FilterTag("apns", "svc", []byte("00000000000000000000000000000000"))

	require.True(t, f.fresh(tag))
	require.False(t, f.fresh(tag))

	// One rotation: the tag moved to the previous generation and is still
	// suppressed.
	f.rotateIfDue(now.Add(10 * time.Minute))
	require.False(t, f.fresh(tag))

	// An early rotate attempt does nothing.
	f.rotateIfDue(now.Add(12 * time.Minute))
	require.False(t, f.fresh(tag))

	// Second rotation: both generations have turned over, tag is fresh
	// again. Total suppression was >= 1 and <= 2 lifetimes.
	f.rotateIfDue(now.Add(20 * time.Minute))
	require.True(t, f.fresh(tag))
}

func TestReplayFilterIndependentTags(t *testing.T) {
	t.Parallel()
	f := newReplayFilter(10*time.Minute, time.Now())
	a := FilterTag("apns", "id1", []byte("00000000000000000000000000000000"))
	b := FilterTag("firebase", "id2", []byte("00000000000000000000000000000000"))
	require.True(t, f.fresh(a))
	require.True(t, f.fresh(b))
	require.False(t, f.fresh(a))
	require.False(t, f.fresh(b))
}
