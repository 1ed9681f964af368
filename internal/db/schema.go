package db

import (
	"fmt"
)

// schemaSQLite is the full server database schema for SQLite.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS sync_clock (
    id  INTEGER PRIMARY KEY CHECK (id = 1),
    seq INTEGER NOT NULL
);

INSERT INTO sync_clock (id, seq) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS locations (
    id               INTEGER PRIMARY KEY,
    code             TEXT NOT NULL,
    name             TEXT NOT NULL,
    path             TEXT NOT NULL UNIQUE,
    depth            INTEGER NOT NULL CHECK (depth BETWEEN 0 AND 4),
    level_label      TEXT NOT NULL DEFAULT '',
    parent_id        INTEGER REFERENCES locations(id),
    locked_by_report INTEGER,
    version          INTEGER NOT NULL DEFAULT 1,
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_locations_parent ON locations(parent_id);

CREATE TABLE IF NOT EXISTS items (
    id            INTEGER PRIMARY KEY,
    code          TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    location_id   INTEGER NOT NULL REFERENCES locations(id),
    department_id INTEGER,
    category_id   INTEGER,
    custom_fields TEXT NOT NULL DEFAULT '{}',
    cost          TEXT,
    book_value    TEXT,
    purchase_date DATETIME,
    version       INTEGER NOT NULL DEFAULT 1,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_items_location ON items(location_id);

CREATE TABLE IF NOT EXISTS qr_codes (
    id         INTEGER PRIMARY KEY,
    token      TEXT NOT NULL UNIQUE,
    state      TEXT NOT NULL DEFAULT 'unassigned' CHECK (state IN ('unassigned', 'assigned', 'retired')),
    item_id    INTEGER REFERENCES items(id),
    version    INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_qr_codes_assigned_item
    ON qr_codes(item_id) WHERE state = 'assigned';

CREATE TABLE IF NOT EXISTS audit_reports (
    id           INTEGER PRIMARY KEY,
    location_id  INTEGER NOT NULL REFERENCES locations(id),
    auditor_id   INTEGER NOT NULL,
    state        TEXT NOT NULL DEFAULT 'draft' CHECK (state IN ('draft', 'submitted', 'approved', 'rejected')),
    review_notes TEXT NOT NULL DEFAULT '',
    reviewed_by  INTEGER,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    submitted_at DATETIME,
    reviewed_at  DATETIME,
    version      INTEGER NOT NULL DEFAULT 1,
    updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_findings (
    id            INTEGER PRIMARY KEY,
    report_id     INTEGER NOT NULL REFERENCES audit_reports(id) ON DELETE CASCADE,
    item_id       INTEGER NOT NULL REFERENCES items(id),
    status        TEXT NOT NULL CHECK (status IN ('found', 'not_found', 'relocated', 'damaged', 'disposed')),
    condition     TEXT NOT NULL DEFAULT '' CHECK (condition IN ('', 'good', 'fair', 'poor', 'non_functional')),
    notes         TEXT NOT NULL DEFAULT '',
    latitude      REAL,
    longitude     REAL,
    accuracy      REAL,
    custom_values TEXT NOT NULL DEFAULT '{}',
    photo_handles TEXT NOT NULL DEFAULT '[]',
    version       INTEGER NOT NULL DEFAULT 1,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (report_id, item_id)
);

CREATE TABLE IF NOT EXISTS item_moves (
    id               INTEGER PRIMARY KEY,
    item_id          INTEGER NOT NULL REFERENCES items(id),
    from_location_id INTEGER NOT NULL REFERENCES locations(id),
    to_location_id   INTEGER NOT NULL REFERENCES locations(id),
    device_id        TEXT NOT NULL DEFAULT '',
    moved_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS changes (
    seq         INTEGER PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id   INTEGER NOT NULL,
    op          TEXT NOT NULL CHECK (op IN ('created', 'updated', 'deleted')),
    version     INTEGER NOT NULL,
    scope_path  TEXT NOT NULL DEFAULT '',
    device_id   TEXT NOT NULL DEFAULT '',
    changed_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_changes_type_seq ON changes(entity_type, seq);

CREATE TABLE IF NOT EXISTS applied_mutations (
    idempotency_key TEXT PRIMARY KEY,
    device_id       TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    applied_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS id_mappings (
    device_id   TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    temp_id     INTEGER NOT NULL,
    perm_id     INTEGER NOT NULL,
    PRIMARY KEY (device_id, entity_type, temp_id)
);

CREATE TABLE IF NOT EXISTS auditor_locations (
    auditor_id  INTEGER NOT NULL,
    location_id INTEGER NOT NULL REFERENCES locations(id),
    PRIMARY KEY (auditor_id, location_id)
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    device_id  TEXT NOT NULL DEFAULT '',
    expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_devices (
    device_id  TEXT PRIMARY KEY,
    revoked_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// schemaPostgres mirrors schemaSQLite with PostgreSQL types.
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS sync_clock (
    id  INTEGER PRIMARY KEY CHECK (id = 1),
    seq BIGINT NOT NULL
);

INSERT INTO sync_clock (id, seq) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS locations (
    id               BIGSERIAL PRIMARY KEY,
    code             TEXT NOT NULL,
    name             TEXT NOT NULL,
    path             TEXT NOT NULL UNIQUE,
    depth            INTEGER NOT NULL CHECK (depth BETWEEN 0 AND 4),
    level_label      TEXT NOT NULL DEFAULT '',
    parent_id        BIGINT REFERENCES locations(id),
    locked_by_report BIGINT,
    version          BIGINT NOT NULL DEFAULT 1,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_locations_parent ON locations(parent_id);

CREATE TABLE IF NOT EXISTS items (
    id            BIGSERIAL PRIMARY KEY,
    code          TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    location_id   BIGINT NOT NULL REFERENCES locations(id),
    department_id BIGINT,
    category_id   BIGINT,
    custom_fields TEXT NOT NULL DEFAULT '{}',
    cost          NUMERIC,
    book_value    NUMERIC,
    purchase_date TIMESTAMPTZ,
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_items_location ON items(location_id);

CREATE TABLE IF NOT EXISTS qr_codes (
    id         BIGSERIAL PRIMARY KEY,
    token      TEXT NOT NULL UNIQUE,
    state      TEXT NOT NULL DEFAULT 'unassigned' CHECK (state IN ('unassigned', 'assigned', 'retired')),
    item_id    BIGINT REFERENCES items(id),
    version    BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_qr_codes_assigned_item
    ON qr_codes(item_id) WHERE state = 'assigned';

CREATE TABLE IF NOT EXISTS audit_reports (
    id           BIGSERIAL PRIMARY KEY,
    location_id  BIGINT NOT NULL REFERENCES locations(id),
    auditor_id   BIGINT NOT NULL,
    state        TEXT NOT NULL DEFAULT 'draft' CHECK (state IN ('draft', 'submitted', 'approved', 'rejected')),
    review_notes TEXT NOT NULL DEFAULT '',
    reviewed_by  BIGINT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    submitted_at TIMESTAMPTZ,
    reviewed_at  TIMESTAMPTZ,
    version      BIGINT NOT NULL DEFAULT 1,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_findings (
    id            BIGSERIAL PRIMARY KEY,
    report_id     BIGINT NOT NULL REFERENCES audit_reports(id) ON DELETE CASCADE,
    item_id       BIGINT NOT NULL REFERENCES items(id),
    status        TEXT NOT NULL CHECK (status IN ('found', 'not_found', 'relocated', 'damaged', 'disposed')),
    condition     TEXT NOT NULL DEFAULT '' CHECK (condition IN ('', 'good', 'fair', 'poor', 'non_functional')),
    notes         TEXT NOT NULL DEFAULT '',
    latitude      DOUBLE PRECISION,
    longitude     DOUBLE PRECISION,
    accuracy      DOUBLE PRECISION,
    custom_values TEXT NOT NULL DEFAULT '{}',
    photo_handles TEXT NOT NULL DEFAULT '[]',
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (report_id, item_id)
);

CREATE TABLE IF NOT EXISTS item_moves (
    id               BIGSERIAL PRIMARY KEY,
    item_id          BIGINT NOT NULL REFERENCES items(id),
    from_location_id BIGINT NOT NULL REFERENCES locations(id),
    to_location_id   BIGINT NOT NULL REFERENCES locations(id),
    device_id        TEXT NOT NULL DEFAULT '',
    moved_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS changes (
    seq         BIGINT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id   BIGINT NOT NULL,
    op          TEXT NOT NULL CHECK (op IN ('created', 'updated', 'deleted')),
    version     BIGINT NOT NULL,
    scope_path  TEXT NOT NULL DEFAULT '',
    device_id   TEXT NOT NULL DEFAULT '',
    changed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_changes_type_seq ON changes(entity_type, seq);

CREATE TABLE IF NOT EXISTS applied_mutations (
    idempotency_key TEXT PRIMARY KEY,
    device_id       TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    applied_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS id_mappings (
    device_id   TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    temp_id     BIGINT NOT NULL,
    perm_id     BIGINT NOT NULL,
    PRIMARY KEY (device_id, entity_type, temp_id)
);

CREATE TABLE IF NOT EXISTS auditor_locations (
    auditor_id  BIGINT NOT NULL,
    location_id BIGINT NOT NULL REFERENCES locations(id),
    PRIMARY KEY (auditor_id, location_id)
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    device_id  TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_devices (
    device_id  TEXT PRIMARY KEY,
    revoked_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// EnsureSchema creates all tables and indexes if they don't already exist.
func EnsureSchema(db *DB) error {
	schema := schemaSQLite
	if db.driver == DriverPostgres {
		schema = schemaPostgres
	}
	if _, err := db.DB.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
