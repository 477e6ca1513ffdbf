// Package sqlstore keeps vault entries as rows in a SQL database through
// GORM. SQLite and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/absfs/vaultfs/backend"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is one stored vault entry
type Entry struct {
	Name      string `gorm:"primaryKey;size:512"`
	Data      []byte
	UpdatedAt time.Time
}

// TableName pins the table name
func (Entry) TableName() string {
	return "vault_entries"
}

// Config selects the database
type Config struct {
	// Driver is "sqlite" or "postgres"
	Driver string
	DSN    string
}

// Store implements backend.Backend on a SQL table
type Store struct {
	db *gorm.DB
}

var _ backend.Backend = (*Store)(nil)

// Open connects to the database and migrates the entry table
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return NewWithConn(ctx, db)
}

// NewWithConn wraps an existing GORM connection and migrates the table
func NewWithConn(ctx context.Context, db *gorm.DB) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("auto migration failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) get(ctx context.Context, name string) (*Entry, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotExist, name)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error) {
	e, err := s.get(ctx, name)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(e.Data)) {
		return 0, io.EOF
	}
	n := copy(p, e.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Store) ReadFile(ctx context.Context, name string) ([]byte, error) {
	e, err := s.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.Data, nil
}

// WriteFile upserts the row in a single statement
func (s *Store) WriteFile(ctx context.Context, name string, data []byte) error {
	e := Entry{Name: name, Data: data}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *Store) CreateExclusive(ctx context.Context, name string, data []byte) error {
	e := Entry{Name: name, Data: data}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		if isDuplicate(err) {
			return backend.ErrExist
		}
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	return nil
}

func (s *Store) Rename(ctx context.Context, oldName, newName string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Entry
		err := tx.Where("name = ?", oldName).First(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", backend.ErrNotExist, oldName)
		}
		if err != nil {
			return err
		}

		if err := tx.Where("name = ?", newName).Delete(&Entry{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&Entry{Name: newName, Data: e.Data}).Error; err != nil {
			return err
		}
		return tx.Where("name = ?", oldName).Delete(&Entry{}).Error
	})
}

func (s *Store) Remove(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&Entry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", backend.ErrNotExist, name)
	}
	return nil
}

func (s *Store) RemoveAll(ctx context.Context, dir string) error {
	dir = strings.Trim(dir, "/")
	q := s.db.WithContext(ctx)
	if dir != "" {
		q = q.Where("name = ? OR name LIKE ? ESCAPE '\\'", dir, escapeLike(dir+"/")+"%")
	} else {
		q = q.Where("1 = 1")
	}
	return q.Delete(&Entry{}).Error
}

// List derives the direct children of dir from the stored names
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}

	var names []string
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("name LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(names))
	out := []string{}
	for _, n := range names {
		rest := strings.TrimPrefix(n, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" {
			continue
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// isDuplicate handles the unique violation errors of both drivers
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
