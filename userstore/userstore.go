// Package userstore reads and seeds the simulator's SQLite user databases.
package userstore

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

var ErrMissing = errors.New("user store does not exist")

type Account struct {
	PrincipalID string `db:"PrincipalID"`
	FirstName   string `db:"FirstName"`
	LastName    string `db:"LastName"`
	Email       string `db:"Email"`
}

type Store struct {
	Path string
	db   *sqlx.DB
}

// Open opens an existing database file. It never creates one.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrMissing, path)
		}
		return nil, observatory.WithStack(err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return &Store{Path: path, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Account returns the account for first and last, or nil.
func (s *Store) Account(ctx context.Context, first, last string) (*Account, error) {
	acc := &Account{}
	err := s.db.GetContext(ctx, acc, "SELECT PrincipalID, FirstName, LastName, Email FROM UserAccounts WHERE FirstName = ? AND LastName = ? LIMIT 1", first, last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up %s %s in %s", first, last, filepath.Base(s.Path))
	}
	return acc, nil
}

func (s *Store) HasAccount(ctx context.Context, first, last string) (bool, error) {
	acc, err := s.Account(ctx, first, last)
	return acc != nil, err
}

// Seed runs script one statement per line inside a transaction. Statements
// against tables this database lacks are skipped, other failures are logged
// and skipped. It returns the number of statements that succeeded.
func (s *Store) Seed(ctx context.Context, script string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "seeding %s", s.Path)
	}
	applied := 0
	for _, stmt := range strings.Split(strings.TrimSpace(script), "\n") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if !strings.Contains(err.Error(), "no such table") {
				log.Printf("warning: SQL error in %s: %v", filepath.Base(s.Path), err)
			}
			continue
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return applied, errors.Wrapf(err, "seeding %s", s.Path)
	}
	return applied, nil
}

// SeedAll seeds every store at paths. A missing file is an error before
// anything is written.
func SeedAll(ctx context.Context, paths []string, script string) error {
	var stores []*Store
	defer func() {
		for _, s := range stores {
			s.Close()
		}
	}()
	for _, path := range paths {
		s, err := Open(path)
		if err != nil {
			return err
		}
		stores = append(stores, s)
	}
	for _, s := range stores {
		if _, err := s.Seed(ctx, script); err != nil {
			return err
		}
	}
	return nil
}
