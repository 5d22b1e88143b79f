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

import "github.com/prometheus/client_golang/prometheus"

var (
	syncTagsSuccessCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bollard_successful_tag_syncs",
		Help: "Counter for successful tag reconciliations in a repo.",
	})
	syncTagsFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bollard_failed_tag_syncs",
		Help: "Counter for failed tag reconciliations in a repo.",
	})
	catalogCheckSuccessCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bollard_successful_catalog_checks",
		Help: "Counter for successful comparisons of the registry catalog against the database.",
	})
	catalogCheckFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bollard_failed_catalog_checks",
		Help: "Counter for failed comparisons of the registry catalog against the database.",
	})
	unknownReposGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bollard_unknown_registry_repos",
		Help: "Number of repositories in the registry catalog that have no database record.",
	})

	metricsRegistered = false
)

func (j *Janitor) initializeCounters() {
	if !metricsRegistered {
		metricsRegistered = true
		prometheus.MustRegister(syncTagsSuccessCounter)
		prometheus.MustRegister(syncTagsFailedCounter)
		prometheus.MustRegister(catalogCheckSuccessCounter)
		prometheus.MustRegister(catalogCheckFailedCounter)
		prometheus.MustRegister(unknownReposGauge)
	}

	//add 0 to all counters to ensure that the relevant timeseries exist
	syncTagsSuccessCounter.Add(0)
	syncTagsFailedCounter.Add(0)
	catalogCheckSuccessCounter.Add(0)
	catalogCheckFailedCounter.Add(0)
}
