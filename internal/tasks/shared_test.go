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
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/mock"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/registry"
	"github.com/sapcc/bollard/internal/test"
)

func setup() (*Janitor, *test.Registry, *test.Store, *mock.Clock) {
	reg := test.NewRegistry()
	store := test.NewStore()
	clock := mock.NewClock()
	cfg := bollard.Configuration{
		SyncInterval:         30 * time.Minute,
		CatalogCheckInterval: 1 * time.Hour,
	}
	j := NewJanitor(cfg, reg, store).OverrideTimeNow(clock.Now)
	j.DisableJitter()
	return j, reg, store, clock
}

func testManifest(fill byte) registry.Manifest {
	return registry.Manifest{
		Digest:       digest.Digest("sha256:" + strings.Repeat(string(fill), 64)),
		SizeBytes:    100,
		OS:           "linux",
		Architecture: "amd64",
		ImageType:    "distribution",
	}
}

func expectSuccess(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Error("expected err = nil, but got: " + err.Error())
	}
}

func expectError(t *testing.T, expected string, actual error) {
	t.Helper()
	if actual == nil {
		t.Errorf("expected err = %q, but got <nil>", expected)
	} else if expected != actual.Error() {
		t.Errorf("expected err = %q, but got %q", expected, actual.Error())
	}
}
