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
	"fmt"
	"sync"
	"time"

	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/registry"
)

// Engine reconciles the local tag metadata mirror with the registry.
//
// The registry is authoritative for which tags exist and which digest each
// tag points to; the database only caches this information and augments it
// with attributes the registry does not track. The engine therefore only
// ever writes tag rows. It never creates or deletes repository rows, those
// are provisioned by the portal.
type Engine struct {
	Registry registry.Client
	Store    Store
	//TimeNow is usually time.Now, but can be overridden for tests.
	TimeNow func() time.Time
	//WorkerCount is the number of repositories that SyncAllTags reconciles
	//concurrently. Values below 2 select sequential operation. Concurrency
	//is safe because each repository's transaction only touches its own tag
	//rows.
	WorkerCount int
}

// NewEngine builds an Engine.
func NewEngine(registryClient registry.Client, store Store) *Engine {
	return &Engine{
		Registry: registryClient,
		Store:    store,
		TimeNow:  time.Now,
	}
}

func (e *Engine) timeNow() time.Time {
	if e.TimeNow != nil {
		return e.TimeNow()
	}
	return time.Now()
}

// SyncAllTags reconciles every repository in the database, in the manner of
// SyncRepositoryTags. Repositories fail in isolation: one repository's error
// is recorded in the result and counted as a skip, and the batch carries on
// with the next repository.
//
// A non-nil error is only returned when the batch cannot start at all,
// that is, when the registry fails its health probe or the repository list
// cannot be loaded.
func (e *Engine) SyncAllTags(ctx context.Context) (Stats, error) {
	var stats Stats

	//without this gate, an unreachable registry would fail every repository
	//individually with the same connection error
	err := e.Registry.CheckHealth(ctx)
	if err != nil {
		return stats, fmt.Errorf("registry health check failed: %w", err)
	}

	repos, err := e.Store.AllRepositories(ctx)
	if err != nil {
		return stats, fmt.Errorf("cannot list repositories in the database: %w", err)
	}

	logg.Info("starting full tag synchronization across %d repositories", len(repos))
	for _, result := range e.syncRepositories(ctx, repos) {
		stats.Record(result)
	}
	logg.Info(stats.String())
	return stats, nil
}

// syncRepositories fans the per-repository reconciliations out over
// WorkerCount goroutines. Results are collected in input order to keep the
// aggregated error list deterministic.
func (e *Engine) syncRepositories(ctx context.Context, repos []bollard.Repository) []RepoResult {
	results := make([]RepoResult, len(repos))

	workerCount := e.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount == 1 {
		for idx, repo := range repos {
			results[idx] = e.SyncRepositoryTags(ctx, repo)
		}
		return results
	}

	queue := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				results[idx] = e.SyncRepositoryTags(ctx, repos[idx])
			}
		}()
	}
	for idx := range repos {
		queue <- idx
	}
	close(queue)
	wg.Wait()

	return results
}

// SyncRepositoryTags reconciles the tag rows of one repository with the tags
// that the registry currently reports for it. All mutations happen in a
// single transaction; when the result carries an error, the repository's tag
// rows are guaranteed unchanged.
func (e *Engine) SyncRepositoryTags(ctx context.Context, repo bollard.Repository) RepoResult {
	result := RepoResult{Repo: repo}
	logg.Debug("syncing tags in repository %s", repo.Name)

	registryTags, err := e.fetchRegistryTags(ctx, repo.Name)
	if err != nil {
		result.Err = err
		return result
	}

	now := e.timeNow()
	var diff TagDiff
	err = e.Store.SyncTagsInRepo(ctx, repo, now, func(existingTags []bollard.Tag) TagDiff {
		diff = ComputeTagDiff(repo, registryTags, existingTags, now)
		return diff
	})
	if err != nil {
		result.Err = err
		return result
	}

	result.Created = len(diff.Create)
	result.Updated = len(diff.Update)
	result.Deleted = len(diff.Delete)
	if result.Created > 0 || result.Updated > 0 || result.Deleted > 0 {
		logg.Info("repository %s: %d tags created, %d updated, %d deleted",
			repo.Name, result.Created, result.Updated, result.Deleted)
	}
	return result
}

// fetchRegistryTags collects the current manifest for each tag in the given
// repository. Tags whose manifest cannot be fetched are excluded from the
// result map entirely, so the caller's diff treats them exactly like tags
// that were deleted upstream.
//
// WARNING: This exclusion means that a transient manifest fetch error drops
// the local row of a tag that still exists in the registry. The row comes
// back on the next successful sync, but with a fresh CreatedAt. We log
// loudly when it happens.
func (e *Engine) fetchRegistryTags(ctx context.Context, repoName string) (map[string]registry.Manifest, error) {
	tagNames, err := e.Registry.TagsForRepository(ctx, repoName)
	if err != nil {
		return nil, err
	}

	registryTags := make(map[string]registry.Manifest, len(tagNames))
	for _, tagName := range tagNames {
		manifest, err := e.Registry.Manifest(ctx, repoName, tagName)
		if err != nil {
			logg.Other("WARNING", "treating tag %s:%s as deleted because its manifest cannot be fetched: %s",
				repoName, tagName, err.Error())
			continue
		}
		registryTags[tagName] = manifest
	}
	return registryTags, nil
}

// SyncRepositoryByName reconciles a single repository identified by plain
// name or "owner/name" path. Returns bollard.ErrNoSuchRepository when there
// is no such repository in the database; this engine does not create
// repository records.
func (e *Engine) SyncRepositoryByName(ctx context.Context, name string) (RepoResult, error) {
	repo, err := e.Store.FindRepositoryByName(ctx, name)
	if err != nil {
		return RepoResult{}, err
	}
	result := e.SyncRepositoryTags(ctx, *repo)
	return result, result.Err
}
