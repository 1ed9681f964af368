// Package client is the device half of synchronization: a local cache of
// server entities, the log of mutations waiting to be pushed, per-type pull
// cursors and the Syncer that moves data between them and the server.
package client

import (
	"fmt"

	"github.com/erazemk/popis/internal/db"
)

// localSchema is the on-device database. Everything in it can be rebuilt by
// a fresh pull except pending mutations.
const localSchema = `
CREATE TABLE IF NOT EXISTS cache (
    entity_type     TEXT NOT NULL,
    entity_id       INTEGER NOT NULL,
    version         INTEGER NOT NULL,
    payload         TEXT NOT NULL,
    server_version  INTEGER NOT NULL DEFAULT 0,
    server_payload  TEXT,
    locally_created INTEGER NOT NULL DEFAULT 0,
    needs_sync      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS mutations (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    idempotency_key TEXT NOT NULL UNIQUE,
    entity_type     TEXT NOT NULL,
    operation       TEXT NOT NULL,
    entity_id       INTEGER NOT NULL,
    base_version    INTEGER NOT NULL DEFAULT 0,
    payload         TEXT NOT NULL DEFAULT 'null',
    has_attachments INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'pending'
                    CHECK (state IN ('pending', 'rejected', 'conflict')),
    attempts        INTEGER NOT NULL DEFAULT 0,
    error_code      TEXT NOT NULL DEFAULT '',
    message         TEXT NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_mutations_state ON mutations(state, seq);

CREATE TABLE IF NOT EXISTS cursors (
    entity_type TEXT PRIMARY KEY,
    value       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS id_remap (
    entity_type TEXT NOT NULL,
    temp_id     INTEGER NOT NULL,
    perm_id     INTEGER NOT NULL,
    PRIMARY KEY (entity_type, temp_id)
);

CREATE TABLE IF NOT EXISTS local_ids (
    id   INTEGER PRIMARY KEY CHECK (id = 1),
    next INTEGER NOT NULL
);

INSERT INTO local_ids (id, next) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`

// OpenLocal opens (creating if needed) the device database at path.
func OpenLocal(path string) (*db.DB, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := database.DB.Exec(localSchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("creating local schema: %w", err)
	}
	return database, nil
}
