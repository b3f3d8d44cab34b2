package resolver

import (
	"errors"
	"testing"

	"github.com/kueri/kueri/internal/profile"
)

func testStore(t *testing.T) *profile.Store {
	t.Helper()
	store, err := profile.Load([]byte(`{
  "databases": [
    {
      "db_key": "sales_db",
      "description": "Customer orders and revenue for the sales team",
      "keywords": ["orders", "sales", "revenue", "customers"],
      "tables": {"orders": "customer orders with status", "customers": "customer accounts"},
      "driver": "postgres",
      "secret_ref": "postgres://sales"
    },
    {
      "db_key": "hr_db",
      "description": "Employee records and payroll",
      "keywords": ["employees", "payroll", "salaries"],
      "tables": {"employees": "employee roster"},
      "driver": "duckdb",
      "secret_ref": "/data/hr.duckdb"
    }
  ]
}`), func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}
	return store
}

func defaultConfig() Config {
	return Config{MinScore: 2, AmbiguityMargin: 1, StickyBonus: 2}
}

func TestResolveByKeyword(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	key, err := r.Resolve("list all pending orders", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "sales_db" {
		t.Fatalf("expected sales_db, got %q", key)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	for i := 0; i < 10; i++ {
		key, err := r.Resolve("how many employees are on payroll", "")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if key != "hr_db" {
			t.Fatalf("expected hr_db on iteration %d, got %q", i, key)
		}
	}
}

func TestResolveNoMatch(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	_, err := r.Resolve("what is the weather in lisbon", "")
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestResolveEmptyUtterance(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	if _, err := r.Resolve("   ", ""); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestResolveFollowUpStaysOnEstablishedDatabase(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	followUps := []string{
		"and now only those placed in June?",
		"same but grouped weekly",
		"   ",
	}
	for _, utterance := range followUps {
		key, err := r.Resolve(utterance, "sales_db")
		if err != nil {
			t.Fatalf("Resolve(%q): %v", utterance, err)
		}
		if key != "sales_db" {
			t.Fatalf("Resolve(%q) = %q, expected sticky sales_db", utterance, key)
		}
	}
}

func TestResolveFollowUpIgnoresUnknownLastUsed(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	_, err := r.Resolve("and now only those placed in June?", "retired_db")
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch for unknown last-used key, got %v", err)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	_, err := r.Resolve("customers and employees report", "")
	var ambiguous *AmbiguousError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected AmbiguousError, got %v", err)
	}
	if len(ambiguous.Candidates) != 2 {
		t.Fatalf("expected two candidates, got %v", ambiguous.Candidates)
	}
}

func TestResolveStickySessionBreaksAmbiguity(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	key, err := r.Resolve("customers and employees report", "hr_db")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "hr_db" {
		t.Fatalf("expected sticky hr_db, got %q", key)
	}
}

func TestResolveStickyDoesNotOverrideStrongSignal(t *testing.T) {
	r := New(testStore(t), defaultConfig())

	key, err := r.Resolve("total revenue from customer orders and sales", "hr_db")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "sales_db" {
		t.Fatalf("expected sales_db despite sticky hr_db, got %q", key)
	}
}
