// SPDX-License-Identifier: GPL-3.0-or-later

package database

import (
	"context"
	"sync"

	"github.com/oxen-io/hivemind/model"
)

var (
	globalDB struct {
		Client *dbClient
		Once   sync.Once
	}
)

func MustInit(url ...string) {
	target := ":memory:"

	if len(url) > 0 && url[0] != "" {
		target = url[0]
	}

	globalDB.Once.Do(func() {
		globalDB.Client = openDatabase(target, true)
	})
}

func UpsertSubscription(
	ctx context.Context,
	pk *model.SwarmPubkey,
	service, svcid string,
	svcdata []byte,
	encKey model.EncKey,
	sub *model.Subscription,
) (isNew bool, err error) {
	return globalDB.Client.UpsertSubscription(ctx, pk, service, svcid, svcdata, encKey, sub)
}

func RemoveSubscription(ctx context.Context, account model.AccountID, service, svcid string) (bool, error) {
	return globalDB.Client.RemoveSubscription(ctx, account, service, svcid)
}

func Cleanup(ctx context.Context) (int64, error) {
	return globalDB.Client.Cleanup(ctx)
}

func MatchingSubscriptions(ctx context.Context, account model.AccountID, namespace int16) ([]NotifyTarget, error) {
	return globalDB.Client.MatchingSubscriptions(ctx, account, namespace)
}

func LoadSubscriptions(ctx context.Context, fn func(*StoredSubscription) error) error {
	return globalDB.Client.LoadSubscriptions(ctx, fn)
}

func SubscriptionCounts(ctx context.Context) (map[string]int64, error) {
	return globalDB.Client.SubscriptionCounts(ctx)
}

func SetStatStr(ctx context.Context, service, name, val string) error {
	return globalDB.Client.SetStatStr(ctx, service, name, val)
}

func SetStatInt(ctx context.Context, service, name string, val int64) error {
	return globalDB.Client.SetStatInt(ctx, service, name, val)
}

func IncrStat(ctx context.Context, service, name string, incr int64) error {
	return globalDB.Client.IncrStat(ctx, service, name, incr)
}

func ServiceStatsSnapshot(ctx context.Context) ([]StatRow, error) {
	return globalDB.Client.ServiceStatsSnapshot(ctx)
}
