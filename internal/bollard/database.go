/******************************************************************************
*
*  Copyright 2023 SAP SE
*
*  Licensed under the Apache License, Version 2.0 (the "License");
*  you may not use this file except in compliance with the License.
*  You may obtain a copy of the License at
*
*      http://www.apache.org/licenses/LICENSE-2.0
*
*  Unless required by applicable law or agreed to in writing, software
*  distributed under the License is distributed on an "AS IS" BASIS,
*  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
*  See the License for the specific language governing permissions and
*  limitations under the License.
*
******************************************************************************/

package bollard

import (
	"net/url"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/easypg"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE repositories (
			id          BIGSERIAL   NOT NULL PRIMARY KEY,
			name        TEXT        NOT NULL CHECK (name ~ '^[a-z0-9-]+$'),
			owner_name  TEXT        DEFAULT NULL,
			visibility  TEXT        NOT NULL DEFAULT 'PUBLIC',
			is_official BOOLEAN     NOT NULL DEFAULT FALSE,
			description TEXT        NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		-- official repositories are unique by name alone, all others by (owner, name)
		CREATE UNIQUE INDEX repositories_owner_name_idx ON repositories (owner_name, name) WHERE NOT is_official;
		CREATE UNIQUE INDEX repositories_official_name_idx ON repositories (name) WHERE is_official;

		CREATE TABLE tags (
			repo_id        BIGINT      NOT NULL REFERENCES repositories ON DELETE CASCADE,
			name           TEXT        NOT NULL,
			digest         TEXT        NOT NULL,
			size_bytes     BIGINT      NOT NULL DEFAULT 0,
			os             TEXT        NOT NULL DEFAULT '',
			architecture   TEXT        NOT NULL DEFAULT '',
			image_type     TEXT        NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (repo_id, name)
		);
	`,
	"001_initial.down.sql": `
		DROP TABLE tags;
		DROP TABLE repositories;
	`,
	"002_add_repositories_next_tag_sync_at.up.sql": `
		ALTER TABLE repositories ADD COLUMN next_tag_sync_at TIMESTAMPTZ DEFAULT NULL;
	`,
	"002_add_repositories_next_tag_sync_at.down.sql": `
		ALTER TABLE repositories DROP COLUMN next_tag_sync_at;
	`,
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
}

// InitDB connects to the Postgres database and applies all pending schema
// migrations.
func InitDB(dbURL url.URL) (*DB, error) {
	db, err := easypg.Connect(dbURL, easypg.Configuration{
		Migrations: sqlMigrations,
	})
	if err != nil {
		return nil, err
	}

	result := &DB{DbMap: gorp.DbMap{Db: db, Dialect: gorp.PostgresDialect{}}}
	initModels(&result.DbMap)
	return result, nil
}
