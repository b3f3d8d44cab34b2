// Package profile holds the static database profiles the agent chooses
// between. Profiles are loaded once at process start and are immutable
// afterwards; everything downstream joins on the profile key.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

type DatabaseProfile struct {
	Key            string            `json:"db_key"`
	Description    string            `json:"description"`
	Keywords       []string          `json:"keywords"`
	Tables         map[string]string `json:"tables"`
	ExampleQueries []string          `json:"example_queries"`
	Driver         string            `json:"driver"`
	SecretRef      string            `json:"secret_ref"`
}

// Store is a read-only view over the loaded profiles. Keys() preserves
// declaration order, which the resolver uses as its final tie-break.
type Store struct {
	byKey map[string]DatabaseProfile
	order []string
}

func (s *Store) Profile(key string) (DatabaseProfile, bool) {
	p, ok := s.byKey[key]
	return p, ok
}

func (s *Store) Keys() []string {
	keys := make([]string, len(s.order))
	copy(keys, s.order)
	return keys
}

func (s *Store) Len() int {
	return len(s.order)
}

type fileFormat struct {
	Databases []DatabaseProfile `json:"databases"`
}

func LoadFile(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}
	return Load(raw, os.LookupEnv)
}

func Load(raw []byte, lookup func(string) (string, bool)) (*Store, error) {
	var file fileFormat
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode profile file: %w", err)
	}
	if len(file.Databases) == 0 {
		return nil, fmt.Errorf("profile file declares no databases")
	}

	store := &Store{byKey: make(map[string]DatabaseProfile, len(file.Databases))}
	for index, p := range file.Databases {
		p.Key = strings.TrimSpace(p.Key)
		if p.Key == "" {
			return nil, fmt.Errorf("database at index %d has no key", index)
		}
		if _, exists := store.byKey[p.Key]; exists {
			return nil, fmt.Errorf("duplicate database key %q", p.Key)
		}
		switch p.Driver {
		case DriverPostgres, DriverDuckDB:
		default:
			return nil, fmt.Errorf("database %q: unsupported driver %q", p.Key, p.Driver)
		}
		secret, err := substituteSecret(p.SecretRef, lookup)
		if err != nil {
			return nil, fmt.Errorf("database %q: %w", p.Key, err)
		}
		p.SecretRef = secret
		normalizeKeywords(&p)
		store.byKey[p.Key] = p
		store.order = append(store.order, p.Key)
	}
	return store, nil
}

var secretPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteSecret resolves ${VAR} placeholders against the environment once
// at load time so connection strings never carry placeholders downstream.
func substituteSecret(ref string, lookup func(string) (string, bool)) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("secret_ref is required")
	}
	var missing []string
	resolved := secretPlaceholder.ReplaceAllStringFunc(ref, func(match string) string {
		name := secretPlaceholder.FindStringSubmatch(match)[1]
		value, ok := lookup(name)
		if !ok || strings.TrimSpace(value) == "" {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("unresolved secret variables: %s", strings.Join(missing, ", "))
	}
	return resolved, nil
}

func normalizeKeywords(p *DatabaseProfile) {
	seen := make(map[string]struct{}, len(p.Keywords))
	normalized := make([]string, 0, len(p.Keywords))
	for _, keyword := range p.Keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if _, dup := seen[keyword]; dup {
			continue
		}
		seen[keyword] = struct{}{}
		normalized = append(normalized, keyword)
	}
	p.Keywords = normalized
}
