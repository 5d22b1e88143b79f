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

package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Client is the subset of the registry's HTTP API that the sync engine
// consumes. The registry is the source of truth for which tags exist and
// what digest each tag points to; this client never writes to it.
type Client interface {
	// AllRepositories lists the names of all repositories in the registry's
	// catalog.
	AllRepositories(ctx context.Context) ([]string, error)
	// TagsForRepository lists the tag names in the given repository. An empty
	// list is a valid result and distinct from an error.
	TagsForRepository(ctx context.Context, repoName string) ([]string, error)
	// Manifest describes the current content of one tag. It can fail
	// independently of TagsForRepository, e.g. when the tag was deleted
	// between the two calls.
	Manifest(ctx context.Context, repoName, tagName string) (Manifest, error)
	// CheckHealth probes the registry's API endpoint. A nil return value
	// means that the registry is reachable.
	CheckHealth(ctx context.Context) error
}

// Manifest contains the tag metadata that the sync engine mirrors into the
// database.
type Manifest struct {
	Digest       digest.Digest
	SizeBytes    uint64
	OS           string
	Architecture string
	ImageType    string
}

// ImageTypeFromMediaType derives the image type stored on a tag from the
// manifest's media type. It is the third-from-last dot-separated token, e.g.
// "distribution" for application/vnd.docker.distribution.manifest.v2+json
// and "image" for application/vnd.oci.image.manifest.v1+json.
func ImageTypeFromMediaType(mediaType string) (string, error) {
	fields := strings.Split(mediaType, ".")
	if len(fields) < 3 {
		return "", fmt.Errorf("cannot derive image type from media type %q", mediaType)
	}
	return fields[len(fields)-3], nil
}
