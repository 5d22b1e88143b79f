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
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/assert"
)

func TestAllRepositories(t *testing.T) {
	c := NewClient("https://registry.example.org/", "", "")
	httpmock.ActivateNonDefault(c.hc)
	defer httpmock.DeactivateAndReset()

	//the first page announces the second one in its Link header
	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/_catalog?n=100",
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, `{"repositories":["alpine","myapp"]}`)
			resp.Header.Set("Link", `</v2/_catalog?last=myapp&n=100>; rel="next"`)
			return resp, nil
		},
	)
	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/_catalog?last=myapp&n=100",
		httpmock.NewStringResponder(http.StatusOK, `{"repositories":["postgres"]}`),
	)

	names, err := c.AllRepositories(context.Background())
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.DeepEqual(t, "repository names", names, []string{"alpine", "myapp", "postgres"})
}

func TestTagsForRepository(t *testing.T) {
	c := NewClient("https://registry.example.org", "", "")
	httpmock.ActivateNonDefault(c.hc)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/myapp/tags/list",
		httpmock.NewStringResponder(http.StatusOK, `{"name":"myapp","tags":["latest","v1"]}`),
	)
	//the registry reports `"tags": null` for repositories that exist, but do
	//not contain any tagged manifests
	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/empty/tags/list",
		httpmock.NewStringResponder(http.StatusOK, `{"name":"empty","tags":null}`),
	)

	tags, err := c.TagsForRepository(context.Background(), "myapp")
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.DeepEqual(t, "tag names", tags, []string{"latest", "v1"})

	tags, err = c.TagsForRepository(context.Background(), "empty")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(tags) != 0 {
		t.Errorf("expected no tags, but got %v", tags)
	}
}

func TestManifest(t *testing.T) {
	c := NewClient("https://registry.example.org", "johndoe", "SuperSecret")
	httpmock.ActivateNonDefault(c.hc)
	defer httpmock.DeactivateAndReset()

	manifestDigest := "sha256:" + strings.Repeat("a", 64)
	configDigest := "sha256:" + strings.Repeat("c", 64)
	manifestBody := fmt.Sprintf(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
		"config": {"mediaType": "application/vnd.docker.container.image.v1+json", "digest": %q, "size": 1500},
		"layers": [{"size": 1000}, {"size": 2000}]
	}`, configDigest)

	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/myapp/manifests/latest",
		func(req *http.Request) (*http.Response, error) {
			//we never accept manifest lists or image indexes
			accept := req.Header.Get("Accept")
			if !strings.Contains(accept, "application/vnd.docker.distribution.manifest.v2+json") ||
				!strings.Contains(accept, "application/vnd.oci.image.manifest.v1+json") {
				return httpmock.NewStringResponse(http.StatusNotAcceptable, "wrong Accept header"), nil
			}
			if userName, password, _ := req.BasicAuth(); userName != "johndoe" || password != "SuperSecret" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, "wrong credentials"), nil
			}
			resp := httpmock.NewStringResponse(http.StatusOK, manifestBody)
			resp.Header.Set("Docker-Content-Digest", manifestDigest)
			return resp, nil
		},
	)
	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/myapp/blobs/"+configDigest,
		httpmock.NewStringResponder(http.StatusOK, `{"architecture":"amd64","os":"linux"}`),
	)

	manifest, err := c.Manifest(context.Background(), "myapp", "latest")
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.DeepEqual(t, "manifest", manifest, Manifest{
		Digest:       digest.Digest(manifestDigest),
		SizeBytes:    4500,
		OS:           "linux",
		Architecture: "amd64",
		ImageType:    "distribution",
	})
}

func TestManifestReportsRegistryAPIErrors(t *testing.T) {
	c := NewClient("https://registry.example.org", "", "")
	httpmock.ActivateNonDefault(c.hc)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/nosuch/manifests/latest",
		httpmock.NewStringResponder(http.StatusNotFound,
			`{"errors":[{"code":"NAME_UNKNOWN","message":"repository name not known to registry"}]}`),
	)

	_, err := c.Manifest(context.Background(), "nosuch", "latest")
	if err == nil {
		t.Fatal("expected error, but got <nil>")
	}
	assert.DeepEqual(t, "error message", err.Error(),
		"cannot fetch manifest for nosuch:latest: NAME_UNKNOWN: repository name not known to registry")
}

func TestManifestRejectsManifestLists(t *testing.T) {
	c := NewClient("https://registry.example.org", "", "")
	httpmock.ActivateNonDefault(c.hc)
	defer httpmock.DeactivateAndReset()

	//some registries serve manifest lists even though our Accept header does
	//not offer them
	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/myapp/manifests/multi",
		httpmock.NewStringResponder(http.StatusOK, `{
			"schemaVersion": 2,
			"mediaType": "application/vnd.docker.distribution.manifest.list.v2+json",
			"manifests": []
		}`),
	)

	_, err := c.Manifest(context.Background(), "myapp", "multi")
	if err == nil {
		t.Fatal("expected error, but got <nil>")
	}
	assert.DeepEqual(t, "error message", err.Error(),
		`cannot fetch manifest for myapp:multi: unsupported manifest media type "application/vnd.docker.distribution.manifest.list.v2+json"`)
}

func TestCheckHealth(t *testing.T) {
	c := NewClient("https://registry.example.org", "", "")
	httpmock.ActivateNonDefault(c.hc)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/",
		httpmock.NewStringResponder(http.StatusOK, "{}"),
	)
	err := c.CheckHealth(context.Background())
	if err != nil {
		t.Errorf("expected healthy registry, but got: %s", err.Error())
	}

	//responses without the standard error envelope are reported verbatim
	httpmock.Reset()
	httpmock.RegisterResponder("GET", "https://registry.example.org/v2/",
		httpmock.NewStringResponder(http.StatusUnauthorized, "authentication required"),
	)
	err = c.CheckHealth(context.Background())
	if err == nil {
		t.Fatal("expected error, but got <nil>")
	}
	assert.DeepEqual(t, "error message", err.Error(), "got 401 response: authentication required")
}

func TestImageTypeFromMediaType(t *testing.T) {
	testCases := []struct {
		MediaType string
		Expected  string
	}{
		{"application/vnd.docker.distribution.manifest.v2+json", "distribution"},
		{"application/vnd.oci.image.manifest.v1+json", "image"},
	}
	for _, tc := range testCases {
		actual, err := ImageTypeFromMediaType(tc.MediaType)
		if err != nil {
			t.Errorf("unexpected error for media type %s: %s", tc.MediaType, err.Error())
		} else {
			assert.DeepEqual(t, "image type for "+tc.MediaType, actual, tc.Expected)
		}
	}

	_, err := ImageTypeFromMediaType("application/json")
	if err == nil {
		t.Error("expected error for malformed media type, but got <nil>")
	}
}
