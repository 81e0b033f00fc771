package pg

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	migrations "github.com/dropDatabas3/johngrant/migrations/postgres"
)

// Migrate aplica el esquema embebido. Idempotente (IF NOT EXISTS).
func (p *PG) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.EngineFS, migrations.EngineDir)
	if err != nil {
		return fmt.Errorf("pg: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := fs.ReadFile(migrations.EngineFS, migrations.EngineDir+"/"+name)
		if err != nil {
			return fmt.Errorf("pg: read migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("pg: apply migration %s: %w", name, err)
		}
	}
	return nil
}
