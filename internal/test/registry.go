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

package test

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sapcc/bollard/internal/registry"
)

// Registry is a registry.Client that serves from in-memory fixtures, for use
// in unit tests.
type Registry struct {
	//Tags maps repository name -> tag name -> manifest.
	Tags map[string]map[string]registry.Manifest
	//Unhealthy makes all operations fail, like an unreachable registry.
	Unhealthy bool
	//BrokenRepos makes TagsForRepository fail for the given repository names.
	BrokenRepos map[string]bool
	//BrokenTags makes Manifest fail for the given "repo:tag" pairs.
	BrokenTags map[string]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		Tags:        make(map[string]map[string]registry.Manifest),
		BrokenRepos: make(map[string]bool),
		BrokenTags:  make(map[string]bool),
	}
}

// SetTag creates a tag or repoints an existing one.
func (r *Registry) SetTag(repoName, tagName string, manifest registry.Manifest) {
	if r.Tags[repoName] == nil {
		r.Tags[repoName] = make(map[string]registry.Manifest)
	}
	r.Tags[repoName][tagName] = manifest
}

// RemoveTag deletes a tag, like an upstream `docker rmi` or garbage
// collection would.
func (r *Registry) RemoveTag(repoName, tagName string) {
	delete(r.Tags[repoName], tagName)
}

// AllRepositories implements the registry.Client interface.
func (r *Registry) AllRepositories(ctx context.Context) ([]string, error) {
	if r.Unhealthy {
		return nil, errors.New("registry is unreachable")
	}
	names := make([]string, 0, len(r.Tags))
	for name := range r.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TagsForRepository implements the registry.Client interface.
func (r *Registry) TagsForRepository(ctx context.Context, repoName string) ([]string, error) {
	if r.Unhealthy {
		return nil, errors.New("registry is unreachable")
	}
	if r.BrokenRepos[repoName] {
		return nil, fmt.Errorf("cannot list tags in repository %s: simulated error", repoName)
	}
	var names []string
	for name := range r.Tags[repoName] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Manifest implements the registry.Client interface.
func (r *Registry) Manifest(ctx context.Context, repoName, tagName string) (registry.Manifest, error) {
	if r.Unhealthy {
		return registry.Manifest{}, errors.New("registry is unreachable")
	}
	if r.BrokenTags[repoName+":"+tagName] {
		return registry.Manifest{}, fmt.Errorf("cannot fetch manifest for %s:%s: simulated error", repoName, tagName)
	}
	manifest, exists := r.Tags[repoName][tagName]
	if !exists {
		return registry.Manifest{}, fmt.Errorf("cannot fetch manifest for %s:%s: manifest unknown", repoName, tagName)
	}
	return manifest, nil
}

// CheckHealth implements the registry.Client interface.
func (r *Registry) CheckHealth(ctx context.Context) error {
	if r.Unhealthy {
		return errors.New("registry is unreachable")
	}
	return nil
}
