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

package janitorcmd

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/registry"
	"github.com/sapcc/bollard/internal/tagsync"
	"github.com/sapcc/bollard/internal/tasks"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run the bollard-janitor server component.",
		Long:  "Run the bollard-janitor server component. Configuration is read from environment variables as described in README.md.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	bollard.SetTaskName("janitor")

	cfg := bollard.ParseConfiguration()
	db := must.Return(bollard.InitDB(cfg.DatabaseURL))
	registryClient := registry.NewClient(cfg.RegistryURL, cfg.RegistryUserName, cfg.RegistryPassword)

	prometheus.MustRegister(sqlstats.NewStatsCollector("bollard", db.DbMap.Db))

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	//start task loops
	janitor := tasks.NewJanitor(cfg, registryClient, tagsync.NewStore(db))
	go jobLoop(ctx, janitor.SyncTagsInNextRepo)
	go jobLoop(ctx, janitor.CheckRegistryCatalog)

	//start HTTP server for Prometheus metrics and health check
	handler := httpapi.Compose(httpapi.HealthCheckAPI{SkipRequestLog: true})
	http.Handle("/", handler)
	http.Handle("/metrics", promhttp.Handler())
	listenAddress := osext.GetenvOrDefault("BOLLARD_JANITOR_LISTEN_ADDRESS", ":8080")
	must.Succeed(httpext.ListenAndServeContext(ctx, listenAddress, nil))
}

// Execute a task repeatedly, but slow down when sql.ErrNoRows is returned by
// it. (Tasks use this error value to indicate that nothing needs syncing
// right now, so we can back off a bit to avoid useless database load.)
func jobLoop(ctx context.Context, task func(context.Context) error) {
	for ctx.Err() == nil {
		err := task(ctx)
		switch {
		case err == nil:
			//continue with the next task right away
		case errors.Is(err, sql.ErrNoRows):
			//nothing to do right now - slow down a bit to avoid useless DB polling
			time.Sleep(10 * time.Second)
		default:
			logg.Error(err.Error())
			//slow down a bit after an error to avoid hammering the DB during outages
			time.Sleep(2 * time.Second)
		}
	}
}
