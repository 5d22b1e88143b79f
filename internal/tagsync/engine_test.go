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

package tagsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/mock"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/registry"
	"github.com/sapcc/bollard/internal/tagsync"
	"github.com/sapcc/bollard/internal/test"
)

func setupEngine() (*tagsync.Engine, *test.Registry, *test.Store, *mock.Clock) {
	reg := test.NewRegistry()
	store := test.NewStore()
	clock := mock.NewClock()
	engine := tagsync.NewEngine(reg, store)
	engine.TimeNow = clock.Now
	return engine, reg, store, clock
}

func testManifest(fill byte, sizeBytes uint64) registry.Manifest {
	return registry.Manifest{
		Digest:       testDigest(fill),
		SizeBytes:    sizeBytes,
		OS:           "linux",
		Architecture: "amd64",
		ImageType:    "distribution",
	}
}

func expectCounts(t *testing.T, result tagsync.RepoResult, created, updated, deleted int) {
	t.Helper()
	if result.Err != nil {
		t.Fatalf("unexpected sync error in repository %s: %s", result.Repo.Name, result.Err.Error())
	}
	if result.Created != created || result.Updated != updated || result.Deleted != deleted {
		t.Errorf("expected %d created, %d updated, %d deleted in repository %s, but got %d/%d/%d",
			created, updated, deleted, result.Repo.Name, result.Created, result.Updated, result.Deleted)
	}
}

func tagNamesIn(store *test.Store, repoID int64) []string {
	var names []string
	for _, tag := range store.TagsIn(repoID) {
		names = append(names, tag.Name)
	}
	return names
}

func TestSyncCreatesMissingTags(t *testing.T) {
	engine, reg, store, clock := setupEngine()
	ctx := context.Background()

	repo := store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "v1", testManifest('a', 100))
	reg.SetTag("myapp", "v2", registry.Manifest{Digest: testDigest('b'), SizeBytes: 200, OS: "linux", Architecture: "arm64", ImageType: "image"})

	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 2, 0, 0)

	now := clock.Now()
	assert.DeepEqual(t, "tags", store.TagsIn(repo.ID), []bollard.Tag{
		{RepositoryID: repo.ID, Name: "v1", Digest: testDigest('a'), SizeBytes: 100, OS: "linux", Architecture: "amd64", ImageType: "distribution", CreatedAt: now, LastSyncedAt: now},
		{RepositoryID: repo.ID, Name: "v2", Digest: testDigest('b'), SizeBytes: 200, OS: "linux", Architecture: "arm64", ImageType: "image", CreatedAt: now, LastSyncedAt: now},
	})
}

func TestSyncIsIdempotent(t *testing.T) {
	engine, reg, store, clock := setupEngine()
	ctx := context.Background()

	repo := store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "v1", testManifest('a', 100))
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 1, 0, 0)
	createdAt := clock.Now()

	//a second pass without upstream changes only advances last_synced_at
	clock.StepBy(5 * time.Minute)
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 0, 0, 0)

	assert.DeepEqual(t, "tags", store.TagsIn(repo.ID), []bollard.Tag{
		{RepositoryID: repo.ID, Name: "v1", Digest: testDigest('a'), SizeBytes: 100, OS: "linux", Architecture: "amd64", ImageType: "distribution", CreatedAt: createdAt, LastSyncedAt: clock.Now()},
	})
}

func TestSyncUpdatesRepointedTag(t *testing.T) {
	engine, reg, store, clock := setupEngine()
	ctx := context.Background()

	repo := store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "latest", testManifest('a', 100))
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 1, 0, 0)
	createdAt := clock.Now()

	//upstream repoints "latest" at a different image
	clock.StepBy(5 * time.Minute)
	reg.SetTag("myapp", "latest", registry.Manifest{Digest: testDigest('b'), SizeBytes: 250, OS: "linux", Architecture: "arm64", ImageType: "image"})
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 0, 1, 0)

	//the row keeps its identity and CreatedAt, but all content fields change
	assert.DeepEqual(t, "tags", store.TagsIn(repo.ID), []bollard.Tag{
		{RepositoryID: repo.ID, Name: "latest", Digest: testDigest('b'), SizeBytes: 250, OS: "linux", Architecture: "arm64", ImageType: "image", CreatedAt: createdAt, LastSyncedAt: clock.Now()},
	})
}

func TestSyncDeletesOrphanedTags(t *testing.T) {
	engine, reg, store, clock := setupEngine()
	ctx := context.Background()

	repo := store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "v1", testManifest('a', 100))
	reg.SetTag("myapp", "v2", testManifest('b', 200))
	reg.SetTag("myapp", "v3", testManifest('c', 300))
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 3, 0, 0)

	clock.StepBy(5 * time.Minute)
	reg.RemoveTag("myapp", "v2")
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 0, 0, 1)

	assert.DeepEqual(t, "tag names", tagNamesIn(store, repo.ID), []string{"v1", "v3"})
}

func TestSyncAllowsSameTagNameAcrossRepositories(t *testing.T) {
	engine, reg, store, clock := setupEngine()
	ctx := context.Background()

	repo1 := store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	repo2 := store.AddRepository(bollard.Repository{Name: "libs", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "latest", testManifest('a', 100))
	reg.SetTag("libs", "latest", testManifest('b', 200))

	expectCounts(t, engine.SyncRepositoryTags(ctx, repo1), 1, 0, 0)
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo2), 1, 0, 0)

	//tag names are only unique within their repository
	assert.DeepEqual(t, "digest in repository myapp", store.TagsIn(repo1.ID)[0].Digest, testDigest('a'))
	assert.DeepEqual(t, "digest in repository libs", store.TagsIn(repo2.ID)[0].Digest, testDigest('b'))

	//within one repository, a second tag of the same name violates the
	//primary key and the whole diff is rolled back
	err := store.SyncTagsInRepo(ctx, repo1, clock.Now(), func(existingTags []bollard.Tag) tagsync.TagDiff {
		return tagsync.TagDiff{
			Create: []bollard.Tag{{RepositoryID: repo1.ID, Name: "latest", Digest: testDigest('c')}},
		}
	})
	if err == nil {
		t.Fatal("expected error, but got <nil>")
	}
	assert.DeepEqual(t, "error message", err.Error(), `duplicate tag name "latest" in repository 1`)
	assert.DeepEqual(t, "digest in repository myapp", store.TagsIn(repo1.ID)[0].Digest, testDigest('a'))
}

func TestSyncAllTagsIsolatesFailures(t *testing.T) {
	engine, reg, store, clock := setupEngine()
	ctx := context.Background()

	store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	libs := store.AddRepository(bollard.Repository{Name: "libs", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "v1", testManifest('a', 100))
	reg.SetTag("libs", "v1", testManifest('b', 200))

	//first pass populates both repositories
	stats, err := engine.SyncAllTags(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.DeepEqual(t, "stats", stats, tagsync.Stats{ReposProcessed: 2, TagsCreated: 2})

	//second pass: "libs" fails, "myapp" sees upstream changes
	libsTagsBefore := store.TagsIn(libs.ID)
	clock.StepBy(5 * time.Minute)
	reg.SetTag("myapp", "v2", testManifest('c', 300))
	reg.RemoveTag("libs", "v1")
	reg.BrokenRepos["libs"] = true

	stats, err = engine.SyncAllTags(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.DeepEqual(t, "errors", stats.Errors.Join("\n"),
		"Failed to sync repository libs: cannot list tags in repository libs: simulated error")
	stats.Errors = nil
	assert.DeepEqual(t, "stats", stats, tagsync.Stats{ReposProcessed: 1, ReposSkipped: 1, TagsCreated: 1})

	//the failed repository keeps its rows, like a rolled-back transaction
	assert.DeepEqual(t, "tags in repository libs", store.TagsIn(libs.ID), libsTagsBefore)
}

func TestSyncTreatsUnfetchableManifestAsDeleted(t *testing.T) {
	engine, reg, store, clock := setupEngine()
	ctx := context.Background()

	repo := store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "v1", testManifest('a', 100))
	reg.SetTag("myapp", "v2", testManifest('b', 200))
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 2, 0, 0)
	createdAt := clock.Now()

	//a tag whose manifest cannot be fetched vanishes from the reported
	//registry state, so its row is dropped like an upstream deletion
	clock.StepBy(5 * time.Minute)
	reg.BrokenTags["myapp:v2"] = true
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 0, 0, 1)
	assert.DeepEqual(t, "tag names", tagNamesIn(store, repo.ID), []string{"v1"})

	//once the manifest fetch works again, the row comes back, but with a
	//fresh CreatedAt
	clock.StepBy(5 * time.Minute)
	delete(reg.BrokenTags, "myapp:v2")
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 1, 0, 0)

	assert.DeepEqual(t, "tags", store.TagsIn(repo.ID), []bollard.Tag{
		{RepositoryID: repo.ID, Name: "v1", Digest: testDigest('a'), SizeBytes: 100, OS: "linux", Architecture: "amd64", ImageType: "distribution", CreatedAt: createdAt, LastSyncedAt: clock.Now()},
		{RepositoryID: repo.ID, Name: "v2", Digest: testDigest('b'), SizeBytes: 200, OS: "linux", Architecture: "amd64", ImageType: "distribution", CreatedAt: clock.Now(), LastSyncedAt: clock.Now()},
	})
}

func TestSyncAllTagsChecksRegistryHealth(t *testing.T) {
	engine, reg, store, _ := setupEngine()
	ctx := context.Background()

	repo := store.AddRepository(bollard.Repository{Name: "myapp", Visibility: bollard.VisibilityPublic})
	reg.SetTag("myapp", "v1", testManifest('a', 100))
	expectCounts(t, engine.SyncRepositoryTags(ctx, repo), 1, 0, 0)
	tagsBefore := store.TagsIn(repo.ID)

	//an unreachable registry fails the batch upfront instead of failing each
	//repository individually
	reg.Unhealthy = true
	_, err := engine.SyncAllTags(ctx)
	if err == nil {
		t.Fatal("expected SyncAllTags to fail when the registry is unreachable")
	}
	assert.DeepEqual(t, "error message", err.Error(), "registry health check failed: registry is unreachable")
	assert.DeepEqual(t, "tags", store.TagsIn(repo.ID), tagsBefore)
}

func TestSyncRepositoryByName(t *testing.T) {
	engine, reg, store, _ := setupEngine()
	ctx := context.Background()

	ownerName := "alice"
	store.AddRepository(bollard.Repository{Name: "postgres", OwnerName: &ownerName, Visibility: bollard.VisibilityPublic})
	official := store.AddRepository(bollard.Repository{Name: "postgres", Visibility: bollard.VisibilityPublic, IsOfficial: true})
	owned := store.AddRepository(bollard.Repository{Name: "webapp", OwnerName: &ownerName, Visibility: bollard.VisibilityPrivate})

	reg.SetTag("postgres", "16", testManifest('a', 100))
	reg.SetTag("webapp", "latest", testManifest('b', 200))

	//a bare name prefers the official repository over same-named owned ones
	result, err := engine.SyncRepositoryByName(ctx, "postgres")
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.DeepEqual(t, "repository ID", result.Repo.ID, official.ID)
	expectCounts(t, result, 1, 0, 0)

	//an owner/name path selects the owned repository
	result, err = engine.SyncRepositoryByName(ctx, "alice/webapp")
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.DeepEqual(t, "repository ID", result.Repo.ID, owned.ID)
	expectCounts(t, result, 1, 0, 0)

	//unknown repositories are reported, not auto-created
	_, err = engine.SyncRepositoryByName(ctx, "nosuch")
	if !errors.Is(err, bollard.ErrNoSuchRepository) {
		t.Errorf("expected ErrNoSuchRepository, but got: %v", err)
	}
}

func TestSyncAllTagsWithWorkerPool(t *testing.T) {
	engine, reg, store, _ := setupEngine()
	engine.WorkerCount = 3
	ctx := context.Background()

	for _, name := range []string{"one", "two", "three", "four", "five", "six"} {
		store.AddRepository(bollard.Repository{Name: name, Visibility: bollard.VisibilityPublic})
		reg.SetTag(name, "latest", testManifest('a', 100))
	}
	reg.BrokenRepos["two"] = true
	reg.BrokenRepos["five"] = true

	stats, err := engine.SyncAllTags(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}

	//errors appear in repository order regardless of worker interleaving
	assert.DeepEqual(t, "errors", stats.Errors.Join("\n"),
		"Failed to sync repository two: cannot list tags in repository two: simulated error\n"+
			"Failed to sync repository five: cannot list tags in repository five: simulated error")
	stats.Errors = nil
	assert.DeepEqual(t, "stats", stats, tagsync.Stats{ReposProcessed: 4, ReposSkipped: 2, TagsCreated: 4})
}
