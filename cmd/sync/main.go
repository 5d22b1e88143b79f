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

package synccmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/spf13/cobra"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/registry"
	"github.com/sapcc/bollard/internal/tagsync"
)

var (
	verbose     bool
	workerCount int
	timeout     time.Duration
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:     "sync [<repository>]",
		Example: "  bollard sync\n  bollard sync library/alpine",
		Short:   "Synchronize tag metadata with the registry.",
		Long: `Synchronize the tag metadata of one repository (or of all repositories, if no name is given) with the registry.
Configuration is read from environment variables as described in README.md.`,
		Args: cobra.MaximumNArgs(1),
		Run:  run,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log individual tag operations.")
	cmd.PersistentFlags().IntVarP(&workerCount, "workers", "w", 1, "Number of repositories to synchronize in parallel.")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Abort the run after this much time, e.g. 10m. Zero means no deadline.")
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	bollard.SetTaskName("sync")
	if verbose {
		logg.ShowDebug = true
	}

	cfg := bollard.ParseConfiguration()
	db := must.Return(bollard.InitDB(cfg.DatabaseURL))
	registryClient := registry.NewClient(cfg.RegistryURL, cfg.RegistryUserName, cfg.RegistryPassword)

	engine := tagsync.NewEngine(registryClient, tagsync.NewStore(db))
	engine.WorkerCount = workerCount

	//on SIGINT, let in-flight transactions finish instead of tearing down
	ctx := httpext.ContextWithSIGINT(context.Background(), 1*time.Second)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if len(args) > 0 {
		syncOneRepository(ctx, engine, args[0])
	} else {
		syncAllRepositories(ctx, engine)
	}
}

func syncOneRepository(ctx context.Context, engine *tagsync.Engine, repoName string) {
	fmt.Printf("Synchronizing repository: %s\n", repoName)

	result, err := engine.SyncRepositoryByName(ctx, repoName)
	switch {
	case errors.Is(err, bollard.ErrNoSuchRepository):
		logg.Fatal("repository %q not found in database - create the repository first", repoName)
	case err != nil:
		logg.Fatal("failed to sync repository %s: %s", repoName, err.Error())
	}

	fmt.Printf("✓ Repository %s: %d created, %d updated, %d deleted\n",
		repoName, result.Created, result.Updated, result.Deleted)
}

func syncAllRepositories(ctx context.Context, engine *tagsync.Engine) {
	fmt.Println("Synchronizing repositories...")

	stats, err := engine.SyncAllTags(ctx)
	if err != nil {
		logg.Fatal(err.Error())
	}

	fmt.Println()
	fmt.Println("Synchronization complete!")
	fmt.Printf("  Repositories processed: %d\n", stats.ReposProcessed)
	fmt.Printf("  Repositories skipped:   %d\n", stats.ReposSkipped)
	fmt.Printf("  Tags created:           %d\n", stats.TagsCreated)
	fmt.Printf("  Tags updated:           %d\n", stats.TagsUpdated)
	fmt.Printf("  Tags deleted:           %d\n", stats.TagsDeleted)

	if !stats.Errors.IsEmpty() {
		fmt.Println()
		fmt.Printf("Errors (%d):\n", len(stats.Errors))
		for _, err := range stats.Errors {
			fmt.Printf("  - %s\n", err.Error())
		}
	}
	if stats.AllFailed() {
		logg.Fatal("all repositories failed to sync")
	}
}
