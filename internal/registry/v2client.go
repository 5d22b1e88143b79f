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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	imagespecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// We only mirror single-arch image manifests. Lists and indexes are not
// requested, so the registry serves us the default platform's manifest for
// multi-arch tags.
var acceptableManifestMediaTypes = strings.Join([]string{
	schema2.MediaTypeManifest,
	imagespecs.MediaTypeImageManifest,
}, ", ")

// V2Client implements the Client interface by talking to a Docker Registry
// v2 API server.
type V2Client struct {
	BaseURL  string
	UserName string
	Password string
	hc       *http.Client
}

// NewClient creates a V2Client for the registry at the given base URL.
// Credentials are optional; when the user name is empty, requests are sent
// anonymously.
func NewClient(baseURL, userName, password string) *V2Client {
	return &V2Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		UserName: userName,
		Password: password,
		// Each API call is one HTTP request, so a flat per-request timeout
		// keeps a hanging registry from stalling the whole sync batch.
		hc: &http.Client{Timeout: 15 * time.Second},
	}
}

type v2Request struct {
	Method       string
	Path         string //below the "/v2/" prefix
	Headers      http.Header
	ExpectStatus int
}

// doRequest executes one request against the registry API. On success, the
// caller is responsible for closing the response body.
func (c *V2Client) doRequest(ctx context.Context, r v2Request) (*http.Response, error) {
	uri := fmt.Sprintf("%s/v2/%s", c.BaseURL, r.Path)
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range r.Headers {
		req.Header[key] = values
	}
	if c.UserName != "" {
		req.SetBasicAuth(c.UserName, c.Password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != r.ExpectStatus {
		defer resp.Body.Close()
		return nil, parseRegistryAPIError(resp)
	}
	return resp, nil
}

// AllRepositories implements the Client interface.
func (c *V2Client) AllRepositories(ctx context.Context) ([]string, error) {
	var result []string

	path := "_catalog?n=100"
	for path != "" {
		resp, err := c.doRequest(ctx, v2Request{
			Method:       http.MethodGet,
			Path:         path,
			ExpectStatus: http.StatusOK,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot list repositories: %w", err)
		}

		var data struct {
			Repositories []string `json:"repositories"`
		}
		err = json.NewDecoder(resp.Body).Decode(&data)
		if closeErr := resp.Body.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, fmt.Errorf("cannot list repositories: %w", err)
		}

		result = append(result, data.Repositories...)
		path = nextPageFromLinkHeader(resp.Header.Get("Link"))
	}

	return result, nil
}

// The catalog endpoint paginates. The next page is announced in a header
// like `Link: </v2/_catalog?last=foo&n=100>; rel="next"`.
func nextPageFromLinkHeader(value string) string {
	if !strings.Contains(value, `rel="next"`) {
		return ""
	}
	start := strings.Index(value, "<")
	end := strings.Index(value, ">")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return strings.TrimPrefix(value[start+1:end], "/v2/")
}

// TagsForRepository implements the Client interface.
func (c *V2Client) TagsForRepository(ctx context.Context, repoName string) ([]string, error) {
	resp, err := c.doRequest(ctx, v2Request{
		Method:       http.MethodGet,
		Path:         repoName + "/tags/list",
		ExpectStatus: http.StatusOK,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot list tags in repository %s: %w", repoName, err)
	}

	var data struct {
		Tags []string `json:"tags"`
	}
	err = json.NewDecoder(resp.Body).Decode(&data)
	if closeErr := resp.Body.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("cannot list tags in repository %s: %w", repoName, err)
	}

	//The registry reports `"tags": null` for repositories that exist, but do
	//not contain any tagged manifests.
	return data.Tags, nil
}

// Manifest implements the Client interface.
func (c *V2Client) Manifest(ctx context.Context, repoName, tagName string) (Manifest, error) {
	resp, err := c.doRequest(ctx, v2Request{
		Method:       http.MethodGet,
		Path:         fmt.Sprintf("%s/manifests/%s", repoName, tagName),
		Headers:      http.Header{"Accept": {acceptableManifestMediaTypes}},
		ExpectStatus: http.StatusOK,
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("cannot fetch manifest for %s:%s: %w", repoName, tagName, err)
	}

	var data struct {
		MediaType string `json:"mediaType"`
		Config    struct {
			Digest digest.Digest `json:"digest"`
			Size   uint64        `json:"size"`
		} `json:"config"`
		Layers []struct {
			Size uint64 `json:"size"`
		} `json:"layers"`
	}
	err = json.NewDecoder(resp.Body).Decode(&data)
	if closeErr := resp.Body.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("cannot fetch manifest for %s:%s: %w", repoName, tagName, err)
	}

	//e.g. a manifest list that the registry served in spite of our Accept header
	if data.MediaType != schema2.MediaTypeManifest && data.MediaType != imagespecs.MediaTypeImageManifest {
		return Manifest{}, fmt.Errorf("cannot fetch manifest for %s:%s: unsupported manifest media type %q", repoName, tagName, data.MediaType)
	}

	manifestDigest, err := digest.Parse(resp.Header.Get("Docker-Content-Digest"))
	if err != nil {
		return Manifest{}, fmt.Errorf("malformed Docker-Content-Digest header on manifest for %s:%s: %w", repoName, tagName, err)
	}
	imageType, err := ImageTypeFromMediaType(data.MediaType)
	if err != nil {
		return Manifest{}, fmt.Errorf("cannot fetch manifest for %s:%s: %w", repoName, tagName, err)
	}

	sizeBytes := data.Config.Size
	for _, layer := range data.Layers {
		sizeBytes += layer.Size
	}

	var osName, architecture string
	if data.Config.Digest != "" {
		osName, architecture, err = c.imageConfig(ctx, repoName, data.Config.Digest)
		if err != nil {
			return Manifest{}, fmt.Errorf("cannot fetch image config for %s:%s: %w", repoName, tagName, err)
		}
	}

	return Manifest{
		Digest:       manifestDigest,
		SizeBytes:    sizeBytes,
		OS:           osName,
		Architecture: architecture,
		ImageType:    imageType,
	}, nil
}

// imageConfig pulls the image configuration blob referenced by a manifest.
// The platform fields on the manifest itself are only filled for manifest
// lists, so for plain manifests this blob is where os/arch live.
func (c *V2Client) imageConfig(ctx context.Context, repoName string, configDigest digest.Digest) (osName, architecture string, err error) {
	resp, err := c.doRequest(ctx, v2Request{
		Method:       http.MethodGet,
		Path:         fmt.Sprintf("%s/blobs/%s", repoName, configDigest),
		ExpectStatus: http.StatusOK,
	})
	if err != nil {
		return "", "", err
	}

	var data struct {
		OS           string `json:"os"`
		Architecture string `json:"architecture"`
	}
	err = json.NewDecoder(resp.Body).Decode(&data)
	if closeErr := resp.Body.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", "", err
	}
	return data.OS, data.Architecture, nil
}

// CheckHealth implements the Client interface.
func (c *V2Client) CheckHealth(ctx context.Context) error {
	resp, err := c.doRequest(ctx, v2Request{
		Method:       http.MethodGet,
		Path:         "",
		ExpectStatus: http.StatusOK,
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
