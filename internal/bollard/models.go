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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/opencontainers/go-digest"
)

// ErrNoSuchRepository is returned by repository lookups when no matching
// record exists. The sync engine never creates repository records on its own;
// they are provisioned by the portal.
var ErrNoSuchRepository = errors.New("no such repository")

// Visibility is an enum that controls who can see a repository in the portal.
type Visibility string

const (
	// VisibilityPublic makes a repository visible to everyone.
	VisibilityPublic Visibility = "PUBLIC"
	// VisibilityPrivate restricts a repository to its owner.
	VisibilityPrivate Visibility = "PRIVATE"
)

// Repository contains a record from the `repositories` table.
//
// The registry itself only knows repository names; ownership, visibility and
// official status exist only in this table. OwnerName is nil exactly for
// official repositories.
type Repository struct {
	ID          int64      `db:"id"`
	Name        string     `db:"name"`
	OwnerName   *string    `db:"owner_name"`
	Visibility  Visibility `db:"visibility"`
	IsOfficial  bool       `db:"is_official"`
	Description string     `db:"description"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	//NextTagSyncAt is when the janitor will next reconcile this repository's
	//tags. A NULL value means "as soon as possible".
	NextTagSyncAt *time.Time `db:"next_tag_sync_at"`
}

// FullName prepends the owner name to the repository name. Official
// repositories go by their plain name.
func (r Repository) FullName() string {
	if r.IsOfficial || r.OwnerName == nil {
		return r.Name
	}
	return *r.OwnerName + `/` + r.Name
}

// AllRepositories returns all repository records, in a stable order.
func AllRepositories(e gorp.SqlExecutor) ([]Repository, error) {
	var repos []Repository
	_, err := e.Select(&repos, "SELECT * FROM repositories ORDER BY id")
	return repos, err
}

// FindRepositoryByName is a convenience wrapper around e.SelectOne(). The
// name may either be a plain repository name or an "owner/name" path. If the
// repository in question does not exist, sql.ErrNoRows is returned.
//
// For a plain name that matches several records, the official repository wins
// over owned ones.
func FindRepositoryByName(e gorp.SqlExecutor, name string) (*Repository, error) {
	var repo Repository
	var err error
	if owner, repoName, ok := strings.Cut(name, "/"); ok {
		err = e.SelectOne(&repo,
			"SELECT * FROM repositories WHERE owner_name = $1 AND name = $2 AND NOT is_official", owner, repoName)
	} else {
		err = e.SelectOne(&repo,
			"SELECT * FROM repositories WHERE name = $1 ORDER BY is_official DESC, id ASC LIMIT 1", name)
	}
	return &repo, err
}

////////////////////////////////////////////////////////////////////////////////

// Tag contains a record from the `tags` table.
//
// A tag is a mutable pointer into the registry: its name is the identity (the
// primary key is (repo_id, name)), and its digest changes whenever the
// registry repoints the tag at different content. LastSyncedAt advances on
// every successful reconciliation that saw this tag, even when nothing else
// changed.
type Tag struct {
	RepositoryID int64         `db:"repo_id"`
	Name         string        `db:"name"`
	Digest       digest.Digest `db:"digest"`
	SizeBytes    uint64        `db:"size_bytes"`
	OS           string        `db:"os"`
	Architecture string        `db:"architecture"`
	ImageType    string        `db:"image_type"`
	CreatedAt    time.Time     `db:"created_at"`
	LastSyncedAt time.Time     `db:"last_synced_at"`
}

// TagsInRepository lists all tags below the given repository.
func TagsInRepository(e gorp.SqlExecutor, repo Repository) ([]Tag, error) {
	var tags []Tag
	_, err := e.Select(&tags,
		"SELECT * FROM tags WHERE repo_id = $1 ORDER BY name", repo.ID)
	return tags, err
}

// SizeDisplay renders the tag's size in a human-readable unit.
func (t Tag) SizeDisplay() string {
	size := float64(t.SizeBytes)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.2f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.2f TB", size)
}

// ShortDigest renders a truncated digest for log and display purposes.
func (t Tag) ShortDigest() string {
	str := t.Digest.String()
	switch {
	case str == "":
		return ""
	case strings.HasPrefix(str, "sha256:") && len(str) > 19:
		return str[:19] + "..."
	case len(str) > 12:
		return str[:12] + "..."
	default:
		return str
	}
}

////////////////////////////////////////////////////////////////////////////////

func initModels(db *gorp.DbMap) {
	db.AddTableWithName(Repository{}, "repositories").SetKeys(true, "id")
	db.AddTableWithName(Tag{}, "tags").SetKeys(false, "repo_id", "name")
}
