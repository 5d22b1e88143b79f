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

package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sapcc/go-bits/logg"
)

// SyncTagsInNextRepo finds the repository whose tags have not been
// reconciled with the registry for the longest time, and reconciles them.
// The repository is rescheduled even when the reconciliation fails, so that
// one permanently broken repository cannot starve all others of sync.
//
// If no repository is due, sql.ErrNoRows is returned.
func (j *Janitor) SyncTagsInNextRepo(ctx context.Context) (returnErr error) {
	defer func() {
		if returnErr == nil {
			syncTagsSuccessCounter.Inc()
		} else if !errors.Is(returnErr, sql.ErrNoRows) {
			syncTagsFailedCounter.Inc()
			returnErr = fmt.Errorf("while syncing tags in a repo: %w", returnErr)
		}
	}()

	repo, err := j.store.NextRepositoryToSync(ctx, j.timeNow())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logg.Debug("no repositories to sync tags in - slowing down...")
			return sql.ErrNoRows
		}
		return err
	}

	result := j.engine().SyncRepositoryTags(ctx, *repo)
	nextSyncAt := j.timeNow().Add(j.addJitter(j.cfg.SyncInterval))
	finishErr := j.store.FinishRepositorySync(ctx, repo, nextSyncAt)

	if result.Err != nil {
		if finishErr != nil {
			return fmt.Errorf("%s (additional error encountered while rescheduling: %s)", result.Err.Error(), finishErr.Error())
		}
		return result.Err
	}
	return finishErr
}
