package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"time"

	"github.com/planloop/offline-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteLocalStorage struct {
	db *sql.DB
}

func NewSQLiteLocalStorage(file string) (*SQLiteLocalStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sqlite3 database: %v", store.ErrStorageUnavailable, err)
	}
	// the sqlite3 driver does not tolerate concurrent writers on one database
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
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
	return &SQLiteLocalStorage{db: db}, nil
}

func (s *SQLiteLocalStorage) EnsureStores(ctx context.Context, version int, names ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", store.ErrOperationFailed, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'stores_version'").Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
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
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("%w: failed to register store %s: %v", store.ErrOperationFailed, name, err)
		}
	}
	_, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES ('stores_version', ?)", strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("%w: failed to persist stores version: %v", store.ErrOperationFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", store.ErrOperationFailed, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) GetAll(ctx context.Context, storeName string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, data, updated_at FROM records WHERE store_id = ?", storeName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query records: %v", store.ErrOperationFailed, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteLocalStorage) Get(ctx context.Context, storeName, id string) (*store.Record, error) {
	record := store.Record{Id: id}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM records WHERE store_id = ? AND id = ?", storeName, id).
		Scan(&record.Data, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get record %s: %v", store.ErrOperationFailed, id, err)
	}
	record.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &record, nil
}

func (s *SQLiteLocalStorage) Put(ctx context.Context, storeName string, record store.Record) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO records (store_id, id, data, updated_at) VALUES (?, ?, ?, ?)",
		storeName, record.Id, record.Data, record.UpdatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("%w: failed to put record %s: %v", store.ErrOperationFailed, record.Id, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) PutAll(ctx context.Context, storeName string, records []store.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", store.ErrOperationFailed, err)
	}
	defer tx.Rollback()

	for _, record := range records {
		if record.Id == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO records (store_id, id, data, updated_at) VALUES (?, ?, ?, ?)",
			storeName, record.Id, record.Data, record.UpdatedAt.UnixMicro())
		if err != nil {
			return fmt.Errorf("%w: failed to put record %s: %v", store.ErrOperationFailed, record.Id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", store.ErrOperationFailed, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) Delete(ctx context.Context, storeName, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE store_id = ? AND id = ?", storeName, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete record %s: %v", store.ErrOperationFailed, id, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) Clear(ctx context.Context, storeName string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE store_id = ?", storeName)
	if err != nil {
		return fmt.Errorf("%w: failed to clear store %s: %v", store.ErrOperationFailed, storeName, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) ChangedSince(ctx context.Context, storeName string, since time.Time) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data, updated_at FROM records WHERE store_id = ? AND updated_at > ? ORDER BY updated_at ASC",
		storeName, since.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query changed records: %v", store.ErrOperationFailed, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteLocalStorage) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to get meta %s: %v", store.ErrOperationFailed, key, err)
	}
	return value, nil
}

func (s *SQLiteLocalStorage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("%w: failed to set meta %s: %v", store.ErrOperationFailed, key, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
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
