package userstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

const schema = "CREATE TABLE UserAccounts (PrincipalID TEXT, ScopeID TEXT, FirstName TEXT, LastName TEXT, Email TEXT)"

func newStore(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if !errors.Is(err, ErrMissing) {
		t.Errorf("got %v, want ErrMissing", err)
	}
}

func TestSeedAndLookup(t *testing.T) {
	path := newStore(t, "userprofiles.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	script := schema + "\n" +
		"INSERT INTO UserAccounts VALUES ('11111111-0000-0000-0000-000000000000', '', 'Ann', 'Bee', 'ann@example.org')\n" +
		"\n" +
		"INSERT INTO inventoryfolders VALUES ('x')\n" +
		"THIS IS NOT SQL\n"
	applied, err := s.Seed(ctx, script)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 2 {
		t.Errorf("applied %d statements, want 2", applied)
	}

	acc, err := s.Account(ctx, "Ann", "Bee")
	if err != nil {
		t.Fatal(err)
	}
	want := &Account{PrincipalID: "11111111-0000-0000-0000-000000000000", FirstName: "Ann", LastName: "Bee", Email: "ann@example.org"}
	if diff := cmp.Diff(want, acc); diff != "" {
		t.Errorf("account mismatch (-want +got):\n%s", diff)
	}
	if has, err := s.HasAccount(ctx, "Carl", "Dee"); err != nil || has {
		t.Errorf("HasAccount(Carl Dee) = %v, %v", has, err)
	}
}

func TestHasAccountWithoutTable(t *testing.T) {
	s, err := Open(newStore(t, "empty.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.HasAccount(context.Background(), "Ann", "Bee"); err == nil {
		t.Error("expected error for missing table")
	}
}

func TestSeedAll(t *testing.T) {
	a := newStore(t, "auth.db")
	b := newStore(t, "inventory.db")
	if err := SeedAll(context.Background(), []string{a, b}, schema); err != nil {
		t.Fatal(err)
	}
	s, err := Open(b)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if has, err := s.HasAccount(context.Background(), "Ann", "Bee"); err != nil || has {
		t.Errorf("HasAccount = %v, %v", has, err)
	}

	missing := filepath.Join(t.TempDir(), "gone.db")
	c := newStore(t, "c.db")
	if err := SeedAll(context.Background(), []string{c, missing}, schema); !errors.Is(err, ErrMissing) {
		t.Errorf("got %v, want ErrMissing", err)
	}
	s2, err := Open(c)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if _, err := s2.HasAccount(context.Background(), "x", "y"); err == nil {
		t.Error("store was seeded although another store was missing")
	}
}
