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
	"fmt"

	"github.com/sapcc/go-bits/errext"

	"github.com/sapcc/bollard/internal/bollard"
)

// RepoResult describes the outcome of reconciling a single repository.
type RepoResult struct {
	Repo    bollard.Repository
	Created int
	Updated int
	Deleted int
	//Err is non-nil when the reconciliation failed. Since all mutations for
	//one repository happen in a single transaction, the counts are zero in
	//that case and the repository's tag rows are untouched.
	Err error
}

// Stats aggregates the outcome of a sync run across multiple repositories.
type Stats struct {
	ReposProcessed int
	ReposSkipped   int
	TagsCreated    int
	TagsUpdated    int
	TagsDeleted    int
	Errors         errext.ErrorSet
}

// Record folds the outcome of one repository into the aggregate.
func (s *Stats) Record(result RepoResult) {
	if result.Err != nil {
		s.ReposSkipped++
		s.Errors.Addf("Failed to sync repository %s: %s", result.Repo.Name, result.Err.Error())
		return
	}
	s.ReposProcessed++
	s.TagsCreated += result.Created
	s.TagsUpdated += result.Updated
	s.TagsDeleted += result.Deleted
}

// AllFailed returns whether the run failed as a whole, that is, at least one
// repository reported an error and not a single one was synced successfully.
// Partial failures do not count: as long as some repositories were synced,
// the run is a success with attached warnings.
func (s Stats) AllFailed() bool {
	return !s.Errors.IsEmpty() && s.ReposProcessed == 0
}

// String implements the fmt.Stringer interface.
func (s Stats) String() string {
	return fmt.Sprintf("Sync completed: %d repos processed, %d skipped, %d tags created, %d updated, %d deleted, %d errors",
		s.ReposProcessed, s.ReposSkipped, s.TagsCreated, s.TagsUpdated, s.TagsDeleted, len(s.Errors))
}
