package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"time"

	"github.com/planloop/offline-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgLocalStorage struct {
	db *pgxpool.Pool
}

func NewPgLocalStorage(databaseURL string) (*PgLocalStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open postgres database: %v", store.ErrStorageUnavailable, err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create migration driver: %v", store.ErrStorageUnavailable, err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create migration source: %v", store.ErrStorageUnavailable, err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationDriver, "offline-sync", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to instantiate migrations: %v", store.ErrStorageUnavailable, err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("%w: failed to run migrations: %v", store.ErrStorageUnavailable, err)
	}
	// the database/sql handle only serves the migration run
	db.Close()

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: pgxpool.New(%v): %v", store.ErrStorageUnavailable, databaseURL, err)
	}
	return &PgLocalStorage{db: pgxPool}, nil
}

func (s *PgLocalStorage) EnsureStores(ctx context.Context, version int, names ...string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", store.ErrOperationFailed, err)
	}
	defer tx.Rollback(context.Background())

	var raw string
	err = tx.QueryRow(ctx, "SELECT value FROM meta WHERE key = 'stores_version'").Scan(&raw)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("%w: failed to read stores version: %v", store.ErrOperationFailed, err)
	}
	persisted := 0
	if raw != "" {
		if persisted, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("%w: corrupt stores version %q: %v", store.ErrOperationFailed, raw, err)
		}
	}
	if version <= persisted {
		return nil
	}
	for _, name := range names {
		if _, err := tx.Exec(ctx, "INSERT INTO stores (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name); err != nil {
			return fmt.Errorf("%w: failed to register store %s: %v", store.ErrOperationFailed, name, err)
		}
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO meta (key, value) VALUES ('stores_version', $1) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value",
		strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("%w: failed to persist stores version: %v", store.ErrOperationFailed, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", store.ErrOperationFailed, err)
	}
	return nil
}

func (s *PgLocalStorage) GetAll(ctx context.Context, storeName string) ([]store.Record, error) {
	rows, err := s.db.Query(ctx, "SELECT id, data, updated_at FROM records WHERE store_id = $1", storeName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query records: %v", store.ErrOperationFailed, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PgLocalStorage) Get(ctx context.Context, storeName, id string) (*store.Record, error) {
	record := store.Record{Id: id}
	var updatedAt int64
	err := s.db.QueryRow(ctx,
		"SELECT data, updated_at FROM records WHERE store_id = $1 AND id = $2", storeName, id).
		Scan(&record.Data, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get record %s: %v", store.ErrOperationFailed, id, err)
	}
	record.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &record, nil
}

func (s *PgLocalStorage) Put(ctx context.Context, storeName string, record store.Record) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO records (store_id, id, data, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (store_id, id) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at",
		storeName, record.Id, record.Data, record.UpdatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("%w: failed to put record %s: %v", store.ErrOperationFailed, record.Id, err)
	}
	return nil
}

func (s *PgLocalStorage) PutAll(ctx context.Context, storeName string, records []store.Record) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", store.ErrOperationFailed, err)
	}
	defer tx.Rollback(context.Background())

	for _, record := range records {
		if record.Id == "" {
			continue
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO records (store_id, id, data, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (store_id, id) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at",
			storeName, record.Id, record.Data, record.UpdatedAt.UnixMicro())
		if err != nil {
			return fmt.Errorf("%w: failed to put record %s: %v", store.ErrOperationFailed, record.Id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", store.ErrOperationFailed, err)
	}
	return nil
}

func (s *PgLocalStorage) Delete(ctx context.Context, storeName, id string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM records WHERE store_id = $1 AND id = $2", storeName, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete record %s: %v", store.ErrOperationFailed, id, err)
	}
	return nil
}

func (s *PgLocalStorage) Clear(ctx context.Context, storeName string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM records WHERE store_id = $1", storeName)
	if err != nil {
		return fmt.Errorf("%w: failed to clear store %s: %v", store.ErrOperationFailed, storeName, err)
	}
	return nil
}

func (s *PgLocalStorage) ChangedSince(ctx context.Context, storeName string, since time.Time) ([]store.Record, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, data, updated_at FROM records WHERE store_id = $1 AND updated_at > $2 ORDER BY updated_at ASC",
		storeName, since.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query changed records: %v", store.ErrOperationFailed, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PgLocalStorage) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, "SELECT value FROM meta WHERE key = $1", key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to get meta %s: %v", store.ErrOperationFailed, key, err)
	}
	return value, nil
}

func (s *PgLocalStorage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value", key, value)
	if err != nil {
		return fmt.Errorf("%w: failed to set meta %s: %v", store.ErrOperationFailed, key, err)
	}
	return nil
}

func (s *PgLocalStorage) Close() error {
	s.db.Close()
	return nil
}

func scanRecords(rows pgx.Rows) ([]store.Record, error) {
	records := make([]store.Record, 0)
	for rows.Next() {
		record := store.Record{}
		var updatedAt int64
		if err := rows.Scan(&record.Id, &record.Data, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan record: %v", store.ErrOperationFailed, err)
		}
		record.UpdatedAt = time.UnixMicro(updatedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read records: %v", store.ErrOperationFailed, err)
	}
	return records, nil
}
