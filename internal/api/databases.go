package api

import (
	"net/http"
	"sort"
)

type databaseSummary struct {
	DBKey          string   `json:"db_key"`
	Description    string   `json:"description"`
	Keywords       []string `json:"keywords"`
	Tables         []string `json:"tables"`
	ExampleQueries []string `json:"example_queries,omitempty"`
	Driver         string   `json:"driver"`
}

// handleListDatabases describes the configured databases without
// exposing connection secrets.
func handleListDatabases(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Profiles == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PROFILES_NOT_CONFIGURED", "profile store is not configured", false, nil)
		return
	}

	summaries := make([]databaseSummary, 0, deps.Profiles.Len())
	for _, key := range deps.Profiles.Keys() {
		prof, ok := deps.Profiles.Profile(key)
		if !ok {
			continue
		}
		tables := make([]string, 0, len(prof.Tables))
		for table := range prof.Tables {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		summaries = append(summaries, databaseSummary{
			DBKey:          prof.Key,
			Description:    prof.Description,
			Keywords:       prof.Keywords,
			Tables:         tables,
			ExampleQueries: prof.ExampleQueries,
			Driver:         string(prof.Driver),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": summaries})
}
