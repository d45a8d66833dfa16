// Package migrations embeds the central Postgres schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

// PostgresUp returns the up migrations in apply order.
func PostgresUp() ([]string, error) {
	entries, err := fs.Glob(postgresFS, "postgres/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(entries)

	out := make([]string, 0, len(entries))
	for _, name := range entries {
		body, err := postgresFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if strings.TrimSpace(string(body)) != "" {
			out = append(out, string(body))
		}
	}
	return out, nil
}
