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

package test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/tagsync"
)

// Store is a tagsync.Store that keeps all records in memory, for use in unit
// tests. It enforces the same uniqueness constraints as the real schema and
// applies each TagDiff atomically.
type Store struct {
	//Repos lists all repositories, in insertion order. Use AddRepository to
	//get IDs assigned.
	Repos []bollard.Repository
	//TagsByRepo maps a repository ID to its tags, keyed by tag name.
	TagsByRepo map[int64]map[string]bollard.Tag
	//SyncFails makes SyncTagsInRepo fail for the given repository names,
	//like a database error during the transaction would.
	SyncFails map[string]bool

	mu         sync.Mutex
	nextRepoID int64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		TagsByRepo: make(map[int64]map[string]bollard.Tag),
		SyncFails:  make(map[string]bool),
	}
}

// AddRepository records a repository, assigning the next free ID.
func (s *Store) AddRepository(repo bollard.Repository) bollard.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRepoID++
	repo.ID = s.nextRepoID
	s.Repos = append(s.Repos, repo)
	s.TagsByRepo[repo.ID] = make(map[string]bollard.Tag)
	return repo
}

// TagsIn lists the stored tags of the given repository, ordered by name.
func (s *Store) TagsIn(repoID int64) []bollard.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedTags(s.TagsByRepo[repoID])
}

func sortedTags(tags map[string]bollard.Tag) []bollard.Tag {
	result := make([]bollard.Tag, 0, len(tags))
	for _, tag := range tags {
		result = append(result, tag)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// AllRepositories implements the tagsync.Store interface.
func (s *Store) AllRepositories(ctx context.Context) ([]bollard.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]bollard.Repository, len(s.Repos))
	copy(result, s.Repos)
	return result, nil
}

// FindRepositoryByName implements the tagsync.Store interface.
func (s *Store) FindRepositoryByName(ctx context.Context, name string) (*bollard.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, repoName, hasOwner := strings.Cut(name, "/")
	var firstMatch *bollard.Repository
	for idx, repo := range s.Repos {
		if hasOwner {
			if !repo.IsOfficial && repo.Name == repoName && repo.OwnerName != nil && *repo.OwnerName == owner {
				result := repo
				return &result, nil
			}
		} else if repo.Name == name {
			//official repositories win over same-named owned ones
			if repo.IsOfficial {
				result := repo
				return &result, nil
			}
			if firstMatch == nil {
				firstMatch = &s.Repos[idx]
			}
		}
	}
	if firstMatch != nil {
		result := *firstMatch
		return &result, nil
	}
	return nil, bollard.ErrNoSuchRepository
}

// SyncTagsInRepo implements the tagsync.Store interface.
func (s *Store) SyncTagsInRepo(ctx context.Context, repo bollard.Repository, now time.Time, compute func(existingTags []bollard.Tag) tagsync.TagDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SyncFails[repo.Name] {
		return errors.New("simulated database error")
	}
	tags, exists := s.TagsByRepo[repo.ID]
	if !exists {
		return bollard.ErrNoSuchRepository
	}

	diff := compute(sortedTags(tags))

	//stage all mutations on a copy, so that a constraint violation leaves
	//the stored tags untouched like a rolled-back transaction would
	staged := make(map[string]bollard.Tag, len(tags))
	for name, tag := range tags {
		staged[name] = tag
	}

	for _, tag := range diff.Create {
		if _, exists := staged[tag.Name]; exists {
			return fmt.Errorf("duplicate tag name %q in repository %d", tag.Name, repo.ID)
		}
		staged[tag.Name] = tag
	}
	for _, tag := range diff.Update {
		if _, exists := staged[tag.Name]; exists {
			staged[tag.Name] = tag
		}
	}
	for _, tagName := range diff.Touch {
		if tag, exists := staged[tagName]; exists {
			tag.LastSyncedAt = now
			staged[tagName] = tag
		}
	}
	for _, tagName := range diff.Delete {
		delete(staged, tagName)
	}

	s.TagsByRepo[repo.ID] = staged
	return nil
}

// NextRepositoryToSync implements the tagsync.Store interface.
func (s *Store) NextRepositoryToSync(ctx context.Context, now time.Time) (*bollard.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var winner *bollard.Repository
	for idx, repo := range s.Repos {
		if repo.NextTagSyncAt != nil && !repo.NextTagSyncAt.Before(now) {
			continue
		}
		if winner == nil || dueBefore(repo, *winner) {
			winner = &s.Repos[idx]
		}
	}
	if winner == nil {
		return nil, sql.ErrNoRows
	}
	result := *winner
	return &result, nil
}

//dueBefore replicates `ORDER BY next_tag_sync_at ASC NULLS FIRST, id ASC`.
func dueBefore(a, b bollard.Repository) bool {
	switch {
	case a.NextTagSyncAt == nil && b.NextTagSyncAt == nil:
		return a.ID < b.ID
	case a.NextTagSyncAt == nil:
		return true
	case b.NextTagSyncAt == nil:
		return false
	case a.NextTagSyncAt.Equal(*b.NextTagSyncAt):
		return a.ID < b.ID
	default:
		return a.NextTagSyncAt.Before(*b.NextTagSyncAt)
	}
}

// FinishRepositorySync implements the tagsync.Store interface.
func (s *Store) FinishRepositorySync(ctx context.Context, repo *bollard.Repository, nextSyncAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := range s.Repos {
		if s.Repos[idx].ID == repo.ID {
			s.Repos[idx].NextTagSyncAt = &nextSyncAt
			repo.NextTagSyncAt = &nextSyncAt
			return nil
		}
	}
	return bollard.ErrNoSuchRepository
}
