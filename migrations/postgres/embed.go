// Package migrations embeds SQL migration files.
package migrations

import "embed"

// EngineFS contains the schema for the postgres storage backend.
//
//go:embed engine/*.sql
var EngineFS embed.FS

// EngineDir is the directory within EngineFS where migrations live.
const EngineDir = "engine"
