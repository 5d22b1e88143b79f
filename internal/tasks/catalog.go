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
	"strings"

	"github.com/sapcc/go-bits/logg"
)

// CheckRegistryCatalog compares the registry's repository catalog against
// the repositories in the database and reports upstream repositories that
// have no database record. It never creates records, since provisioning
// them is the portal's job; the drift is only made visible in the log and
// in the bollard_unknown_registry_repos gauge.
//
// If the previous check is still fresh, sql.ErrNoRows is returned.
func (j *Janitor) CheckRegistryCatalog(ctx context.Context) (returnErr error) {
	defer func() {
		if returnErr == nil {
			catalogCheckSuccessCounter.Inc()
		} else if !errors.Is(returnErr, sql.ErrNoRows) {
			catalogCheckFailedCounter.Inc()
			returnErr = fmt.Errorf("while checking the registry catalog: %w", returnErr)
		}
	}()

	if j.nextCatalogCheckAt.After(j.timeNow()) {
		return sql.ErrNoRows
	}

	catalogNames, err := j.registry.AllRepositories(ctx)
	if err != nil {
		return err
	}
	repos, err := j.store.AllRepositories(ctx)
	if err != nil {
		return err
	}

	isKnownName := make(map[string]bool, len(repos))
	for _, repo := range repos {
		isKnownName[repo.Name] = true
	}

	var unknownNames []string
	for _, name := range catalogNames {
		if !isKnownName[name] {
			unknownNames = append(unknownNames, name)
		}
	}
	if len(unknownNames) > 0 {
		logg.Info("registry reports %d repositories without a database record: %s",
			len(unknownNames), strings.Join(unknownNames, ", "))
	}
	unknownReposGauge.Set(float64(len(unknownNames)))

	j.nextCatalogCheckAt = j.timeNow().Add(j.addJitter(j.cfg.CatalogCheckInterval))
	return nil
}
