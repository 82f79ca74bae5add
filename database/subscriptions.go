// SPDX-License-Identifier: GPL-3.0-or-later

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/oxen-io/hivemind/model"
)

// StoredSubscription is one durable subscription row together with its
// namespace child rows, expressed in domain types.
type StoredSubscription struct {
	Account        model.AccountID
	SessionEd25519 *model.Ed25519PK
	Sub            *model.Subscription
	EncKey         model.EncKey
	Service        string
	SvcID          string
	SvcData        []byte
}

// NotifyTarget is the slice of a subscription row needed to push one
// notification out.
type NotifyTarget struct {
	WantData bool   `hivemind:"want_data"`
	EncKey   []byte `hivemind:"enc_key"`
	Service  string `hivemind:"service"`
	SvcID    string `hivemind:"svcid"`
	SvcData  []byte `hivemind:"svcdata"`
}

type subscriptionKeyArgs struct {
	Account []byte `hivemind:"account"`
	Service string `hivemind:"service"`
	SvcID   string `hivemind:"svcid"`
}

// UpsertSubscription stores (or renews) a validated subscription keyed by
// (account, service, svcid), replacing the namespace child rows only when
// the namespace set changed, and bumps the subscription/sub_renew stat
// counters in the same transaction. Returns whether the row is brand new.
func (db *dbClient) UpsertSubscription(
	ctx context.Context,
	pk *model.SwarmPubkey,
	service, svcid string,
	svcdata []byte,
	encKey model.EncKey,
	sub *model.Subscription,
) (isNew bool, err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin upsert tx")
	}
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, tx.Rollback())
		}
	}()

	var existing struct {
		ID          int64 `hivemind:"id"`
		SignatureTS int64 `hivemind:"signature_ts"`
	}
	var id int64
	insertNamespaces := true
	err = tx.GetContext(ctx, &existing,
		`SELECT id, signature_ts FROM subscriptions WHERE account = ? AND service = ? AND svcid = ?`,
		pk.ID[:], service, svcid)
	switch {
	case err == nil:
		id = existing.ID
		var current []int16
		if err = tx.SelectContext(ctx, &current,
			`SELECT namespace FROM sub_namespaces WHERE subscription = ? ORDER BY namespace`, id); err != nil {
			return false, errors.Wrap(err, "failed to select current namespaces")
		}
		insertNamespaces = !equalNamespaces(current, sub.Namespaces)

		if _, err = tx.ExecContext(ctx, `
UPDATE subscriptions
SET session_ed25519 = ?, subkey_tag = ?, subaccount_tag = ?, subaccount_sig = ?,
    signature = ?, signature_ts = ?, want_data = ?, enc_key = ?, svcdata = ?
WHERE id = ?`,
			sessionEdBytes(pk), subkeyTagBytes(sub), subaccountTagBytes(sub), subaccountSigBytes(sub),
			sub.Sig[:], sub.SigTS, sub.WantData, encKey[:], svcdata, id); err != nil {
			return false, errors.Wrap(err, "failed to update subscription")
		}
		if insertNamespaces {
			if _, err = tx.ExecContext(ctx, `DELETE FROM sub_namespaces WHERE subscription = ?`, id); err != nil {
				return false, errors.Wrap(err, "failed to clear stale namespaces")
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		isNew = true
		var res sql.Result
		if res, err = tx.ExecContext(ctx, `
INSERT INTO subscriptions
    (account, session_ed25519, subkey_tag, subaccount_tag, subaccount_sig, signature, signature_ts, want_data, enc_key, service, svcid, svcdata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pk.ID[:], sessionEdBytes(pk), subkeyTagBytes(sub), subaccountTagBytes(sub), subaccountSigBytes(sub),
			sub.Sig[:], sub.SigTS, sub.WantData, encKey[:], service, svcid, svcdata); err != nil {
			return false, errors.Wrap(err, "failed to insert subscription")
		}
		if id, err = res.LastInsertId(); err != nil {
			return false, errors.Wrap(err, "failed to get inserted subscription id")
		}
	default:
		return false, errors.Wrap(err, "failed to look up existing subscription")
	}

	if insertNamespaces {
		for _, ns := range sub.Namespaces {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO sub_namespaces (subscription, namespace) VALUES (?, ?)`, id, ns); err != nil {
				return false, errors.Wrap(err, "failed to insert namespace")
			}
		}
	}

	statName := "sub_renew"
	if isNew {
		statName = "subscription"
	}
	for _, svc := range []string{"", service} {
		if err = incrStatTx(ctx, tx, svc, statName, 1); err != nil {
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit subscription upsert")
	}

	return isNew, nil
}

// RemoveSubscription deletes the (account, service, svcid) row, reporting
// whether it existed.
func (db *dbClient) RemoveSubscription(ctx context.Context, account model.AccountID, service, svcid string) (removed bool, err error) {
	args := subscriptionKeyArgs{Account: account[:], Service: service, SvcID: svcid}
	if _, err = db.exec(ctx, `
DELETE FROM sub_namespaces WHERE subscription IN
    (SELECT id FROM subscriptions WHERE account = :account AND service = :service AND svcid = :svcid)`, args); err != nil {
		return false, errors.Wrap(err, "failed to delete subscription namespaces")
	}
	rowsAffected, err := db.exec(ctx,
		`DELETE FROM subscriptions WHERE account = :account AND service = :service AND svcid = :svcid`, args)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete subscription")
	}

	return rowsAffected > 0, nil
}

// Cleanup removes rows whose signature has passed the storage-server expiry.
func (db *dbClient) Cleanup(ctx context.Context) (removed int64, err error) {
	arg := struct {
		Cutoff int64 `hivemind:"cutoff"`
	}{Cutoff: time.Now().Add(-model.SignatureExpiry).Unix()}

	if _, err = db.exec(ctx, `
DELETE FROM sub_namespaces WHERE subscription IN
    (SELECT id FROM subscriptions WHERE signature_ts <= :cutoff)`, arg); err != nil {
		return 0, errors.Wrap(err, "failed to delete expired namespaces")
	}
	removed, err = db.exec(ctx, `DELETE FROM subscriptions WHERE signature_ts <= :cutoff`, arg)

	return removed, errors.Wrap(err, "failed to delete expired subscriptions")
}

// MatchingSubscriptions returns the notify targets for an incoming message
// on (account, namespace).
func (db *dbClient) MatchingSubscriptions(ctx context.Context, account model.AccountID, namespace int16) (targets []NotifyTarget, err error) {
	arg := struct {
		Account   []byte `hivemind:"account"`
		Namespace int16  `hivemind:"namespace"`
	}{Account: account[:], Namespace: namespace}

	const query = `
SELECT want_data, enc_key, service, svcid, svcdata FROM subscriptions
WHERE account = :account
    AND EXISTS(SELECT 1 FROM sub_namespaces WHERE subscription = id AND namespace = :namespace)`
	stmt, err := db.prepare(ctx, query, hashSQL(query))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare matching subscriptions sql")
	}
	err = stmt.SelectContext(ctx, &targets, arg)

	return targets, errors.Wrap(err, "failed to select matching subscriptions")
}

// LoadSubscriptions streams every stored subscription through fn; used once
// at startup, before any other database traffic.
func (db *dbClient) LoadSubscriptions(ctx context.Context, fn func(*StoredSubscription) error) error {
	namespaces := make(map[int64][]int16)
	nsRows, err := db.QueryxContext(ctx,
		`SELECT subscription, namespace FROM sub_namespaces ORDER BY subscription, namespace`)
	if err != nil {
		return errors.Wrap(err, "failed to query namespaces")
	}
	defer nsRows.Close()
	for nsRows.Next() {
		var subID int64
		var ns int16
		if err = nsRows.Scan(&subID, &ns); err != nil {
			return errors.Wrap(err, "failed to scan namespace row")
		}
		namespaces[subID] = append(namespaces[subID], ns)
	}
	if err = nsRows.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate namespace rows")
	}

	rows, err := db.QueryxContext(ctx, `
SELECT id, account, session_ed25519, subkey_tag, subaccount_tag, subaccount_sig,
    signature, signature_ts, want_data, enc_key, service, svcid, svcdata
FROM subscriptions ORDER BY id`)
	if err != nil {
		return errors.Wrap(err, "failed to query subscriptions")
	}
	defer rows.Close()

	for rows.Next() {
		var row struct {
			ID             int64  `hivemind:"id"`
			Account        []byte `hivemind:"account"`
			SessionEd25519 []byte `hivemind:"session_ed25519"`
			SubkeyTag      []byte `hivemind:"subkey_tag"`
			SubaccountTag  []byte `hivemind:"subaccount_tag"`
			SubaccountSig  []byte `hivemind:"subaccount_sig"`
			Signature      []byte `hivemind:"signature"`
			SignatureTS    int64  `hivemind:"signature_ts"`
			WantData       bool   `hivemind:"want_data"`
			EncKey         []byte `hivemind:"enc_key"`
			Service        string `hivemind:"service"`
			SvcID          string `hivemind:"svcid"`
			SvcData        []byte `hivemind:"svcdata"`
		}
		if err = rows.StructScan(&row); err != nil {
			return errors.Wrap(err, "failed to scan subscription row")
		}

		stored, err := storedFromRow(row.Account, row.SessionEd25519, row.SubkeyTag, row.SubaccountTag,
			row.SubaccountSig, row.Signature, row.SignatureTS, row.WantData, row.EncKey,
			row.Service, row.SvcID, row.SvcData, namespaces[row.ID])
		if err != nil {
			return errors.Wrapf(err, "corrupt subscription row id %v", row.ID)
		}
		if err = fn(stored); err != nil {
			return err
		}
	}

	return errors.Wrap(rows.Err(), "failed to iterate subscription rows")
}

func storedFromRow(
	account, sessionEd, subkeyTag, subaccountTag, subaccountSig, signature []byte,
	sigTS int64, wantData bool, encKey []byte, service, svcid string, svcdata []byte,
	namespaces []int16,
) (*StoredSubscription, error) {
	stored := &StoredSubscription{Service: service, SvcID: svcid, SvcData: svcdata}
	if len(account) != len(stored.Account) {
		return nil, errors.Newf("bad account length %v", len(account))
	}
	copy(stored.Account[:], account)
	if len(encKey) != len(stored.EncKey) {
		return nil, errors.Newf("bad enc_key length %v", len(encKey))
	}
	copy(stored.EncKey[:], encKey)

	if sessionEd != nil {
		var ed model.Ed25519PK
		if len(sessionEd) != len(ed) {
			return nil, errors.Newf("bad session_ed25519 length %v", len(sessionEd))
		}
		copy(ed[:], sessionEd)
		stored.SessionEd25519 = &ed
	}

	var subaccount *model.Subaccount
	if subaccountTag != nil {
		subaccount = new(model.Subaccount)
		if len(subaccountTag) != len(subaccount.Tag) || len(subaccountSig) != len(subaccount.Sig) {
			return nil, errors.New("bad subaccount tag/sig length")
		}
		copy(subaccount.Tag[:], subaccountTag)
		copy(subaccount.Sig[:], subaccountSig)
	}
	var legacyTag *model.SubkeyTag
	if subkeyTag != nil {
		legacyTag = new(model.SubkeyTag)
		if len(subkeyTag) != len(*legacyTag) {
			return nil, errors.Newf("bad subkey_tag length %v", len(subkeyTag))
		}
		copy(legacyTag[:], subkeyTag)
	}

	var sig model.Signature
	if len(signature) != len(sig) {
		return nil, errors.Newf("bad signature length %v", len(signature))
	}
	copy(sig[:], signature)

	stored.Sub = model.NewSubscriptionTrusted(subaccount, legacyTag, namespaces, wantData, sigTS, sig)

	return stored, nil
}

// SubscriptionCounts returns per-service row counts.
func (db *dbClient) SubscriptionCounts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Service string `hivemind:"service"`
		Count   int64  `hivemind:"count"`
	}
	if err := db.SelectContext(ctx, &rows,
		`SELECT service, COUNT(*) AS count FROM subscriptions GROUP BY service`); err != nil {
		return nil, errors.Wrap(err, "failed to count subscriptions")
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Service] = row.Count
	}

	return counts, nil
}

func equalNamespaces(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func sessionEdBytes(pk *model.SwarmPubkey) []byte {
	if !pk.SessionEd {
		return nil
	}

	return pk.Ed25519[:]
}

func subkeyTagBytes(sub *model.Subscription) []byte {
	if sub.SubkeyTag == nil {
		return nil
	}

	return sub.SubkeyTag[:]
}

func subaccountTagBytes(sub *model.Subscription) []byte {
	if sub.Subaccount == nil {
		return nil
	}

	return sub.Subaccount.Tag[:]
}

func subaccountSigBytes(sub *model.Subscription) []byte {
	if sub.Subaccount == nil {
		return nil
	}

	return sub.Subaccount.Sig[:]
}
