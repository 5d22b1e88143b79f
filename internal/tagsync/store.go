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

package tagsync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/bollard/internal/bollard"
)

// Store is the persistence interface consumed by the Engine and by the
// janitor tasks. The production implementation is DBStore; tests use an
// in-memory substitute.
type Store interface {
	// AllRepositories returns all repository records.
	AllRepositories(ctx context.Context) ([]bollard.Repository, error)
	// FindRepositoryByName looks up a repository by plain name or by
	// "owner/name" path. Returns bollard.ErrNoSuchRepository if there is no
	// matching record.
	FindRepositoryByName(ctx context.Context, name string) (*bollard.Repository, error)
	// SyncTagsInRepo loads the existing tag rows of the given repository,
	// asks the compute callback for a TagDiff, and applies that diff. The
	// whole sequence runs in one transaction that holds a lock on the
	// repository, so concurrent syncs of the same repository serialize and
	// either all of the diff's mutations are applied or none are.
	SyncTagsInRepo(ctx context.Context, repo bollard.Repository, now time.Time, compute func(existingTags []bollard.Tag) TagDiff) error
	// NextRepositoryToSync returns the repository whose scheduled tag sync
	// is most overdue, or sql.ErrNoRows if no sync is due at the given time.
	NextRepositoryToSync(ctx context.Context, now time.Time) (*bollard.Repository, error)
	// FinishRepositorySync records when the repository's tags shall next be
	// reconciled by the janitor.
	FinishRepositorySync(ctx context.Context, repo *bollard.Repository, nextSyncAt time.Time) error
}

// DBStore implements the Store interface on a PostgreSQL database.
type DBStore struct {
	db *bollard.DB
}

// NewStore wraps a database connection in the Store interface.
func NewStore(db *bollard.DB) *DBStore {
	return &DBStore{db}
}

// AllRepositories implements the Store interface.
func (s *DBStore) AllRepositories(ctx context.Context) ([]bollard.Repository, error) {
	return bollard.AllRepositories(s.db.WithContext(ctx))
}

// FindRepositoryByName implements the Store interface.
func (s *DBStore) FindRepositoryByName(ctx context.Context, name string) (*bollard.Repository, error) {
	repo, err := bollard.FindRepositoryByName(s.db.WithContext(ctx), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bollard.ErrNoSuchRepository
	}
	return repo, err
}

var repoLockQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM repositories WHERE id = $1 FOR UPDATE
`)

var tagTouchQuery = sqlext.SimplifyWhitespace(`
	UPDATE tags SET last_synced_at = $3 WHERE repo_id = $1 AND name = $2
`)

var tagDeleteQuery = sqlext.SimplifyWhitespace(`
	DELETE FROM tags WHERE repo_id = $1 AND name = $2
`)

// SyncTagsInRepo implements the Store interface.
func (s *DBStore) SyncTagsInRepo(ctx context.Context, repo bollard.Repository, now time.Time, compute func(existingTags []bollard.Tag) TagDiff) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	//take a row lock to serialize concurrent syncs of the same repository
	//(e.g. the janitor overlapping with a manual CLI run)
	var locked bollard.Repository
	err = tx.SelectOne(&locked, repoLockQuery, repo.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bollard.ErrNoSuchRepository
		}
		return err
	}

	existingTags, err := bollard.TagsInRepository(tx, locked)
	if err != nil {
		return err
	}

	diff := compute(existingTags)

	for idx := range diff.Create {
		err := tx.Insert(&diff.Create[idx])
		if err != nil {
			return err
		}
	}
	for idx := range diff.Update {
		_, err := tx.Update(&diff.Update[idx])
		if err != nil {
			return err
		}
	}
	for _, tagName := range diff.Touch {
		_, err := tx.Exec(tagTouchQuery, repo.ID, tagName, now)
		if err != nil {
			return err
		}
	}
	for _, tagName := range diff.Delete {
		_, err := tx.Exec(tagDeleteQuery, repo.ID, tagName)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

var nextRepoToSyncQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM repositories
	 WHERE next_tag_sync_at IS NULL OR next_tag_sync_at < $1
	 ORDER BY next_tag_sync_at ASC NULLS FIRST, id ASC
	 LIMIT 1
`)

// NextRepositoryToSync implements the Store interface.
func (s *DBStore) NextRepositoryToSync(ctx context.Context, now time.Time) (*bollard.Repository, error) {
	var repo bollard.Repository
	err := s.db.WithContext(ctx).SelectOne(&repo, nextRepoToSyncQuery, now)
	if err != nil {
		return nil, err //includes sql.ErrNoRows for "nothing to do"
	}
	return &repo, nil
}

var finishRepoSyncQuery = sqlext.SimplifyWhitespace(`
	UPDATE repositories SET next_tag_sync_at = $2 WHERE id = $1
`)

// FinishRepositorySync implements the Store interface.
func (s *DBStore) FinishRepositorySync(ctx context.Context, repo *bollard.Repository, nextSyncAt time.Time) error {
	_, err := s.db.WithContext(ctx).Exec(finishRepoSyncQuery, repo.ID, nextSyncAt)
	if err != nil {
		return err
	}
	repo.NextTagSyncAt = &nextSyncAt
	return nil
}
