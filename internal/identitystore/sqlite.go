package identitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	atcrypto "github.com/rakunlabs/gatewire/internal/crypto"
)

// DefaultTablePrefix mirrors the teacher's store/sqlite3 convention.
const DefaultTablePrefix = "gw_"

// SQLite is the default local identity.Store, grounded on
// internal/store/sqlite3/sqlite3.go. Refresh credentials are wrapped with
// AES-256-GCM (internal/crypto) before they ever touch the database file.
type SQLite struct {
	db    *sql.DB
	goqu  *goqu.Database
	table exp.IdentifierExpression

	encKey []byte
}

// Config is the subset of store configuration the identity store needs.
type Config struct {
	Datasource  string
	TablePrefix string
	EncKey      []byte // nil disables at-rest wrapping of the refresh credential
}

// New opens (creating if absent) the sqlite database at cfg.Datasource,
// running the embedded schema migration first.
func New(ctx context.Context, cfg Config) (*SQLite, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := cfg.TablePrefix
	if tablePrefix == "" {
		tablePrefix = DefaultTablePrefix
	}

	if err := migrateDB(ctx, cfg.Datasource, tablePrefix+"migrations", map[string]string{
		"TABLE_PREFIX": tablePrefix,
	}); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite is single-writer; the identity store's writes are small and
	// infrequent (credential refresh, quota snapshot, cooldown) so a single
	// connection avoids SQLITE_BUSY without needing a connection pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to identity store", "datasource", cfg.Datasource)

	return &SQLite{
		db:     db,
		goqu:   goqu.New("sqlite3", db),
		table:  goqu.T(tablePrefix + "identities"),
		encKey: cfg.EncKey,
	}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type row struct {
	ID                string    `db:"id"`
	Label             string    `db:"label"`
	ProjectID         string    `db:"project_id"`
	RefreshCredential string    `db:"refresh_credential"`
	AccessCredential  string    `db:"access_credential"`
	AccessExpiresAt   time.Time `db:"access_expires_at"`
	Disabled          bool      `db:"disabled"`
	PermissionAnomaly bool      `db:"permission_anomaly"`
	LockedUntil       time.Time `db:"locked_until"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (s *SQLite) wrap(plain string) (string, error) {
	if s.encKey == nil {
		return plain, nil
	}
	return atcrypto.Encrypt(plain, s.encKey)
}

func (s *SQLite) unwrap(stored string) (string, error) {
	if s.encKey == nil {
		return stored, nil
	}
	return atcrypto.Decrypt(stored, s.encKey)
}

func (s *SQLite) toRecord(r row) (Record, error) {
	refresh, err := s.unwrap(r.RefreshCredential)
	if err != nil {
		return Record{}, fmt.Errorf("decrypt refresh credential: %w", err)
	}
	return Record{
		ID:                r.ID,
		Label:             r.Label,
		ProjectID:         r.ProjectID,
		RefreshCredential: refresh,
		AccessCredential:  r.AccessCredential,
		AccessExpiresAt:   r.AccessExpiresAt,
		Disabled:          r.Disabled,
		PermissionAnomaly: r.PermissionAnomaly,
		LockedUntil:       r.LockedUntil,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func (s *SQLite) toRow(rec Record) (row, error) {
	refresh, err := s.wrap(rec.RefreshCredential)
	if err != nil {
		return row{}, fmt.Errorf("encrypt refresh credential: %w", err)
	}
	return row{
		ID:                rec.ID,
		Label:             rec.Label,
		ProjectID:         rec.ProjectID,
		RefreshCredential: refresh,
		AccessCredential:  rec.AccessCredential,
		AccessExpiresAt:   rec.AccessExpiresAt,
		Disabled:          rec.Disabled,
		PermissionAnomaly: rec.PermissionAnomaly,
		LockedUntil:       rec.LockedUntil,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}, nil
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	var rows []row
	if err := s.goqu.From(s.table).Order(goqu.I("id").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := s.toRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Record, error) {
	var r row
	found, err := s.goqu.From(s.table).Where(goqu.C("id").Eq(id)).ScanStructContext(ctx, &r)
	if err != nil {
		return Record{}, fmt.Errorf("get identity %s: %w", id, err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return s.toRecord(r)
}

func (s *SQLite) Create(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	r, err := s.toRow(rec)
	if err != nil {
		return err
	}

	_, err = s.goqu.Insert(s.table).Rows(r).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

// Update performs an atomic read-modify-write inside a single transaction,
// satisfying SPEC_FULL §6's requirement for quota/credential updates.
func (s *SQLite) Update(ctx context.Context, id string, fn func(Record) (Record, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	txGoqu := goqu.New("sqlite3", tx)

	var r row
	found, err := txGoqu.From(s.table).Where(goqu.C("id").Eq(id)).ScanStructContext(ctx, &r)
	if err != nil {
		return fmt.Errorf("read identity %s: %w", id, err)
	}
	if !found {
		return ErrNotFound
	}

	cur, err := s.toRecord(r)
	if err != nil {
		return err
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	next.ID = id
	next.UpdatedAt = time.Now()

	nextRow, err := s.toRow(next)
	if err != nil {
		return err
	}

	if _, err := txGoqu.Update(s.table).Set(nextRow).Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx); err != nil {
		return fmt.Errorf("update identity %s: %w", id, err)
	}

	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.goqu.Delete(s.table).Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("delete identity %s: %w", id, err)
	}
	return nil
}
