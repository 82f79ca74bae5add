// SPDX-License-Identifier: GPL-3.0-or-later

package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rand"

	"github.com/oxen-io/hivemind/model"
)

var testDBSeq int

func testDB(t *testing.T) *dbClient {
	t.Helper()
	testDBSeq++
	db := openDatabase(fmt.Sprintf("file:testdb%v?mode=memory&cache=shared", testDBSeq), true)
	t.Cleanup(func() { db.Close() })

	return db
}

func testAccount(t *testing.T) (*model.SwarmPubkey, model.EncKey) {
	t.Helper()
	var id model.AccountID
	id[0] = model.NetPrefixGroup
	for i := 1; i < len(id); i++ {
		id[i] = byte(rand.Uint32())
	}
	var encKey model.EncKey
	for i := range encKey {
		encKey[i] = byte(rand.Uint32())
	}

	return model.NewSwarmPubkeyTrusted(id, nil), encKey
}

func testSubscription(namespaces []int16, sigTS int64) *model.Subscription {
	var sig model.Signature
	sig[0] = 0xff

	return model.NewSubscriptionTrusted(nil, nil, namespaces, true, sigTS, sig)
}

func namespaceRows(t *testing.T, db *dbClient, account model.AccountID, service, svcid string) []int16 {
	t.Helper()
	var namespaces []int16
	require.NoError(t, db.SelectContext(context.Background(), &namespaces, `
SELECT namespace FROM sub_namespaces WHERE subscription IN
    (SELECT id FROM subscriptions WHERE account = ? AND service = ? AND svcid = ?)
ORDER BY namespace`, account[:], service, svcid))

	return namespaces
}

func TestUpsertSubscriptionLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	pk, encKey := testAccount(t)
	now := time.Now().Unix()
	svcid := "0123456789abcdef0123456789abcdef"

	isNew, err := db.UpsertSubscription(ctx, pk, "apns", svcid, nil, encKey, testSubscription([]int16{0, 1}, now))
	require.NoError(t, err)
	require.True(t, isNew)

	// Renewal with identical parameters: not new, row count unchanged.
	isNew, err = db.UpsertSubscription(ctx, pk, "apns", svcid, nil, encKey, testSubscription([]int16{0, 1}, now+1))
	require.NoError(t, err)
	require.False(t, isNew)

	var count int64
	require.NoError(t, db.GetContext(ctx, &count, `SELECT COUNT(*) FROM subscriptions`))
	require.EqualValues(t, 1, count)

	// Namespace change replaces the child rows exactly.
	isNew, err = db.UpsertSubscription(ctx, pk, "apns", svcid, nil, encKey, testSubscription([]int16{0, 1, 17}, now+2))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, []int16{0, 1, 17}, namespaceRows(t, db, pk.ID, "apns", svcid))

	// Stat counters were bumped along the way.
	rows, err := db.ServiceStatsSnapshot(ctx)
	require.NoError(t, err)
	stats := make(map[string]int64)
	for _, row := range rows {
		if row.ValInt != nil {
			stats[row.Service+"/"+row.Name] = *row.ValInt
		}
	}
	require.EqualValues(t, 1, stats["/subscription"])
	require.EqualValues(t, 1, stats["apns/subscription"])
	require.EqualValues(t, 2, stats["/sub_renew"])
	require.EqualValues(t, 2, stats["apns/sub_renew"])

	// Removal reports existence exactly once.
	removed, err := db.RemoveSubscription(ctx, pk.ID, "apns", svcid)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = db.RemoveSubscription(ctx, pk.ID, "apns", svcid)
	require.NoError(t, err)
	require.False(t, removed)
	require.Empty(t, namespaceRows(t, db, pk.ID, "apns", svcid))
}

func TestMatchingSubscriptions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	pk, encKey := testAccount(t)
	other, otherKey := testAccount(t)
	now := time.Now().Unix()

	svcid1 := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	svcid2 := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	_, err := db.UpsertSubscription(ctx, pk, "apns", svcid1, []byte("svcdata"), encKey, testSubscription([]int16{0, 1}, now))
	require.NoError(t, err)
	_, err = db.UpsertSubscription(ctx, pk, "firebase", svcid2, nil, encKey, testSubscription([]int16{1, 2}, now))
	require.NoError(t, err)
	_, err = db.UpsertSubscription(ctx, other, "apns", svcid1, nil, otherKey, testSubscription([]int16{0}, now))
	require.NoError(t, err)

	targets, err := db.MatchingSubscriptions(ctx, pk.ID, 1)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	targets, err = db.MatchingSubscriptions(ctx, pk.ID, 0)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, "apns", targets[0].Service)
	require.Equal(t, svcid1, targets[0].SvcID)
	require.Equal(t, []byte("svcdata"), targets[0].SvcData)
	require.True(t, targets[0].WantData)

	targets, err = db.MatchingSubscriptions(ctx, pk.ID, 42)
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestCleanupDropsExpiredRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	pk, encKey := testAccount(t)
	now := time.Now().Unix()

	svcFresh := "cccccccccccccccccccccccccccccccc"
	svcStale := "dddddddddddddddddddddddddddddddd"
	_, err := db.UpsertSubscription(ctx, pk, "apns", svcFresh, nil, encKey, testSubscription([]int16{0}, now))
	require.NoError(t, err)
	_, err = db.UpsertSubscription(ctx, pk, "apns", svcStale, nil, encKey, testSubscription([]int16{0}, now-15*24*60*60))
	require.NoError(t, err)

	removed, err := db.Cleanup(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	counts, err := db.SubscriptionCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts["apns"])
}

func TestLoadSubscriptionsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	pk, encKey := testAccount(t)
	now := time.Now().Unix()

	sub := testSubscription([]int16{-400, 0, 1}, now)
	subaccount := &model.Subaccount{}
	subaccount.Tag[0] = model.NetPrefixGroup
	subaccount.Tag[1] = model.SubaccountRead
	subaccount.Sig[3] = 0x77
	sub.Subaccount = subaccount

	svcid := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	_, err := db.UpsertSubscription(ctx, pk, "apns", svcid, []byte("extra"), encKey, sub)
	require.NoError(t, err)

	var loaded []*StoredSubscription
	require.NoError(t, db.LoadSubscriptions(ctx, func(s *StoredSubscription) error {
		loaded = append(loaded, s)

		return nil
	}))
	require.Len(t, loaded, 1)
	got := loaded[0]
	require.Equal(t, pk.ID, got.Account)
	require.Nil(t, got.SessionEd25519)
	require.Equal(t, encKey, got.EncKey)
	require.Equal(t, "apns", got.Service)
	require.Equal(t, svcid, got.SvcID)
	require.Equal(t, []byte("extra"), got.SvcData)
	require.Equal(t, []int16{-400, 0, 1}, got.Sub.Namespaces)
	require.True(t, got.Sub.WantData)
	require.Equal(t, now, got.Sub.SigTS)
	require.NotNil(t, got.Sub.Subaccount)
	require.Equal(t, subaccount.Tag, got.Sub.Subaccount.Tag)
	require.Equal(t, subaccount.Sig, got.Sub.Subaccount.Sig)
	require.Nil(t, got.Sub.SubkeyTag)
}

func TestStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.IncrStat(ctx, "apns", "notifies", 5))
	require.NoError(t, db.IncrStat(ctx, "apns", "notifies", 7))
	require.NoError(t, db.SetStatInt(ctx, "apns", "queued", 3))
	require.NoError(t, db.SetStatStr(ctx, "apns", "version", "1.2.3"))
	// A string set wipes a previous int value.
	require.NoError(t, db.SetStatStr(ctx, "apns", "queued", "n/a"))

	rows, err := db.ServiceStatsSnapshot(ctx)
	require.NoError(t, err)
	byName := make(map[string]StatRow, len(rows))
	for _, row := range rows {
		byName[row.Name] = row
	}
	require.NotNil(t, byName["notifies"].ValInt)
	require.EqualValues(t, 12, *byName["notifies"].ValInt)
	require.Nil(t, byName["queued"].ValInt)
	require.NotNil(t, byName["queued"].ValStr)
	require.Equal(t, "n/a", *byName["queued"].ValStr)
	require.Equal(t, "1.2.3", *byName["version"].ValStr)
}
