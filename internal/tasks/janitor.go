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
	"math/rand"
	"time"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/registry"
	"github.com/sapcc/bollard/internal/tagsync"
)

// Janitor contains the toolbox of the bollard-janitor process.
type Janitor struct {
	cfg      bollard.Configuration
	registry registry.Client
	store    tagsync.Store

	//when to compare the registry catalog against the database next
	//(tracked in-process since this check is not scoped to any one row)
	nextCatalogCheckAt time.Time

	//non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow   func() time.Time
	addJitter func(time.Duration) time.Duration
}

// NewJanitor creates a new Janitor.
func NewJanitor(cfg bollard.Configuration, registryClient registry.Client, store tagsync.Store) *Janitor {
	j := &Janitor{
		cfg:       cfg,
		registry:  registryClient,
		store:     store,
		timeNow:   time.Now,
		addJitter: addJitter,
	}
	j.initializeCounters()
	return j
}

// OverrideTimeNow replaces time.Now with a test double.
func (j *Janitor) OverrideTimeNow(timeNow func() time.Time) *Janitor {
	j.timeNow = timeNow
	return j
}

// DisableJitter replaces addJitter with a no-op for this Janitor.
func (j *Janitor) DisableJitter() {
	j.addJitter = func(d time.Duration) time.Duration { return d }
}

// addJitter returns a random duration within +/- 10% of the requested value.
// Spreading rescheduled tasks out like this keeps repositories that were
// seeded in the same moment from queueing for sync in the same moment
// forever after.
func addJitter(duration time.Duration) time.Duration {
	//nolint:gosec // This is not crypto-relevant, so math/rand is okay.
	r := rand.Float64() //NOTE: 0 <= r < 1
	return time.Duration(float64(duration) * (0.9 + 0.2*r))
}

// engine assembles a sync engine that shares the janitor's clock.
func (j *Janitor) engine() *tagsync.Engine {
	return &tagsync.Engine{
		Registry: j.registry,
		Store:    j.store,
		TimeNow:  j.timeNow,
	}
}
