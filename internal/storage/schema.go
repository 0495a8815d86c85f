// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

// schemaSQL creates the memory item table. Timestamps are stored as RFC3339
// UTC text; tier is the integer enum value.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS memory_items (
    id            TEXT PRIMARY KEY,
    tier          INTEGER NOT NULL,
    content       TEXT NOT NULL,
    timestamp     TEXT NOT NULL,
    importance    REAL NOT NULL DEFAULT 0,
    confidence    REAL NOT NULL DEFAULT 0,
    last_accessed TEXT,
    access_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_items_tier ON memory_items(tier);
CREATE INDEX IF NOT EXISTS idx_items_timestamp ON memory_items(timestamp);
`

// pragmas applied at open, matching the profile used elsewhere in this
// codebase for small write-light databases.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}
