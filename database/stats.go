// SPDX-License-Identifier: GPL-3.0-or-later

package database

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
)

// StatRow is one service_stats entry; exactly one of ValStr/ValInt is set.
type StatRow struct {
	Service string `hivemind:"service"`
	Name    string `hivemind:"name"`
	ValStr  *string
	ValInt  *int64
}

type statArgs struct {
	Service string `hivemind:"service"`
	Name    string `hivemind:"name"`
	ValStr  string
	ValInt  int64
}

func (db *dbClient) SetStatStr(ctx context.Context, service, name, val string) error {
	_, err := db.exec(ctx, `
INSERT INTO service_stats (service, name, val_str) VALUES (:service, :name, :val_str)
ON CONFLICT (service, name) DO UPDATE
    SET val_str = excluded.val_str, val_int = NULL`,
		statArgs{Service: service, Name: name, ValStr: val})

	return errors.Wrap(err, "failed to set string stat")
}

func (db *dbClient) SetStatInt(ctx context.Context, service, name string, val int64) error {
	_, err := db.exec(ctx, `
INSERT INTO service_stats (service, name, val_int) VALUES (:service, :name, :val_int)
ON CONFLICT (service, name) DO UPDATE
    SET val_str = NULL, val_int = excluded.val_int`,
		statArgs{Service: service, Name: name, ValInt: val})

	return errors.Wrap(err, "failed to set int stat")
}

func (db *dbClient) IncrStat(ctx context.Context, service, name string, incr int64) error {
	_, err := db.exec(ctx, incrStatSQL, statArgs{Service: service, Name: name, ValInt: incr})

	return errors.Wrap(err, "failed to increment stat")
}

const incrStatSQL = `
INSERT INTO service_stats (service, name, val_int) VALUES (:service, :name, :val_int)
ON CONFLICT (service, name) DO UPDATE
    SET val_str = NULL, val_int = COALESCE(service_stats.val_int, 0) + excluded.val_int`

func incrStatTx(ctx context.Context, tx *sqlx.Tx, service, name string, incr int64) error {
	query, args, err := tx.BindNamed(incrStatSQL, statArgs{Service: service, Name: name, ValInt: incr})
	if err != nil {
		return errors.Wrap(err, "failed to bind stat increment")
	}
	_, err = tx.ExecContext(ctx, query, args...)

	return errors.Wrap(err, "failed to increment stat in tx")
}

// ServiceStatsSnapshot returns every service_stats row.
func (db *dbClient) ServiceStatsSnapshot(ctx context.Context) (rows []StatRow, err error) {
	err = db.SelectContext(ctx, &rows, `SELECT service, name, val_str, val_int FROM service_stats`)

	return rows, errors.Wrap(err, "failed to select service stats")
}
