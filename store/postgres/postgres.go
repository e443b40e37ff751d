// Package postgres provides the PostgreSQL-backed Snapshot Store Adapter.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
	"github.com/northwing-bms/bacnet-gateway/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapConnErr(err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", wrapMigrateErr(err))
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn. Safe to call
// multiple times — ErrNoChange is treated as success. Exported for cmd/migrate.
func RunMigrations(dsn string) error {
	if err := runMigrations(dsn); err != nil {
		return wrapMigrateErr(err)
	}
	return nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// wrapMigrateErr flags a migration failure caused by an unreachable server
// as a connection loss rather than a schema problem, so callers can tell
// "database is down" apart from "migration file is broken".
func wrapMigrateErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "connect") || strings.Contains(msg, "dial") {
		return fmt.Errorf("%w: %v", store.ErrConnectionLost, err)
	}
	return err
}

// toMigrateURL rewrites a postgres://.../postgresql://... DSN to the
// pgx5://... scheme golang-migrate's pgx/v5 database driver expects; any
// other scheme is passed through with the pgx5 prefix prepended.
func toMigrateURL(dsn string) string {
	if rest, ok := strings.CutPrefix(dsn, "postgresql://"); ok {
		return "pgx5://" + rest
	}
	if rest, ok := strings.CutPrefix(dsn, "postgres://"); ok {
		return "pgx5://" + rest
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// recordRow is an alias of store.ObjectRecord: the JSONB record column holds
// that struct's own JSON encoding.
type recordRow = store.ObjectRecord

func (d *DB) StoreObject(ctx context.Context, rec store.ObjectRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO objects (object_type, instance, record, stream_position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (object_type, instance) DO UPDATE
			SET record = $3, stream_position = $4, updated_at = now()
	`, uint32(rec.Type), rec.Instance, raw, rec.StreamPosition)
	if err != nil {
		return wrapConnErr(err)
	}
	return nil
}

func (d *DB) LoadObject(ctx context.Context, id bacnet.ObjectID) (store.ObjectRecord, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx,
		`SELECT record FROM objects WHERE object_type = $1 AND instance = $2`,
		uint32(id.Type), id.Instance,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ObjectRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.ObjectRecord{}, wrapConnErr(err)
	}
	var rec recordRow
	if err := json.Unmarshal(raw, &rec); err != nil {
		return store.ObjectRecord{}, fmt.Errorf("corrupt payload for %s: %w", id, err)
	}
	return rec, nil
}

func (d *DB) UpdateValue(ctx context.Context, id bacnet.ObjectID, value bacnet.Value, status *bacnet.StatusFlags, ts time.Time) error {
	rec, err := d.LoadObject(ctx, id)
	if err != nil {
		return err
	}
	rec.PresentValue = value
	if status != nil {
		rec.Status = *status
	}
	rec.LastUpdate = ts
	return d.StoreObject(ctx, rec)
}

func (d *DB) UpdateCOVBaseline(ctx context.Context, id bacnet.ObjectID, lastCovValue float64) error {
	rec, err := d.LoadObject(ctx, id)
	if err != nil {
		return err
	}
	rec.LastCovValue = lastCovValue
	return d.StoreObject(ctx, rec)
}

func (d *DB) DeleteObject(ctx context.Context, id bacnet.ObjectID) error {
	_, err := d.pool.Exec(ctx,
		`DELETE FROM objects WHERE object_type = $1 AND instance = $2`,
		uint32(id.Type), id.Instance)
	if err != nil {
		return wrapConnErr(err)
	}
	return nil
}

func (d *DB) Iterate(ctx context.Context, typeFilter *bacnet.ObjectType) (store.ObjectIterator, error) {
	var rows pgx.Rows
	var err error
	if typeFilter != nil {
		rows, err = d.pool.Query(ctx,
			`SELECT record FROM objects WHERE object_type = $1 ORDER BY object_type, instance`,
			uint32(*typeFilter))
	} else {
		rows, err = d.pool.Query(ctx, `SELECT record FROM objects ORDER BY object_type, instance`)
	}
	if err != nil {
		return nil, wrapConnErr(err)
	}
	return &rowsIterator{rows: rows}, nil
}

type rowsIterator struct {
	rows pgx.Rows
	err  error
}

func (it *rowsIterator) Next(ctx context.Context) (store.ObjectRecord, bool) {
	if it.err != nil || !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = wrapConnErr(err)
		}
		return store.ObjectRecord{}, false
	}
	var raw []byte
	if err := it.rows.Scan(&raw); err != nil {
		it.err = err
		return store.ObjectRecord{}, false
	}
	var rec recordRow
	if err := json.Unmarshal(raw, &rec); err != nil {
		it.err = fmt.Errorf("corrupt payload: %w", err)
		return store.ObjectRecord{}, false
	}
	return rec, true
}

func (it *rowsIterator) Err() error { return it.err }

func (it *rowsIterator) Close() error {
	it.rows.Close()
	return nil
}

func (d *DB) StoreCursor(ctx context.Context, subscriptionID string, position uint64) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO stream_cursors (subscription_id, position)
		VALUES ($1, $2)
		ON CONFLICT (subscription_id) DO UPDATE SET position = $2, updated_at = now()
	`, subscriptionID, int64(position))
	if err != nil {
		return wrapConnErr(err)
	}
	return nil
}

func (d *DB) LoadCursor(ctx context.Context, subscriptionID string) (uint64, error) {
	var pos int64
	err := d.pool.QueryRow(ctx,
		`SELECT position FROM stream_cursors WHERE subscription_id = $1`, subscriptionID,
	).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, wrapConnErr(err)
	}
	return uint64(pos), nil
}

func (d *DB) StoreDeviceMeta(ctx context.Context, meta store.DeviceMeta) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO device_config (id, instance, name, description, location, vendor_id, vendor_name, model)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			instance = $1, name = $2, description = $3, location = $4,
			vendor_id = $5, vendor_name = $6, model = $7
	`, meta.Instance, meta.Name, meta.Description, meta.Location, meta.VendorID, meta.VendorName, meta.Model)
	if err != nil {
		return wrapConnErr(err)
	}
	return nil
}

func (d *DB) LoadDeviceMeta(ctx context.Context) (store.DeviceMeta, error) {
	var m store.DeviceMeta
	err := d.pool.QueryRow(ctx, `
		SELECT instance, name, description, location, vendor_id, vendor_name, model
		FROM device_config WHERE id = 1
	`).Scan(&m.Instance, &m.Name, &m.Description, &m.Location, &m.VendorID, &m.VendorName, &m.Model)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DeviceMeta{}, store.ErrNotFound
	}
	if err != nil {
		return store.DeviceMeta{}, wrapConnErr(err)
	}
	return m, nil
}

// PublishChange is advisory only: a Postgres NOTIFY with no delivery
// guarantee to listeners, matching the SSA contract.
func (d *DB) PublishChange(ctx context.Context, id bacnet.ObjectID) error {
	_, err := d.pool.Exec(ctx, `SELECT pg_notify('events_value_change', $1)`, id.String())
	if err != nil {
		return wrapConnErr(err)
	}
	return nil
}

func wrapConnErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", store.ErrConnectionLost, err)
}
