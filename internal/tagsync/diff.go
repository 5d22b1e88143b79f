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

package tagsync

import (
	"sort"
	"time"

	"github.com/sapcc/bollard/internal/bollard"
	"github.com/sapcc/bollard/internal/registry"
)

// TagDiff is the minimal set of mutations that brings the tag rows of one
// repository into agreement with the registry. The four member lists are
// disjoint by tag name.
type TagDiff struct {
	//Create contains fully filled rows for tags that the registry reports,
	//but that have no database row yet.
	Create []bollard.Tag
	//Update contains the new contents for rows whose digest changed in the
	//registry. Row identity and CreatedAt carry over from the existing row.
	Update []bollard.Tag
	//Touch lists the names of tags whose digest is unchanged. Only their
	//last_synced_at timestamp advances; Touch entries do not show up in any
	//reported change count.
	Touch []string
	//Delete lists the names of tags that have a database row, but that the
	//registry does not report anymore.
	Delete []string
}

// ComputeTagDiff compares the tags that the registry reports for a repository
// against the repository's existing tag rows and returns the mutations needed
// to reconcile them.
//
// Tags are matched by name: the name is the identity of a tag, and the digest
// is only the signal for whether its content changed. A repointed tag (same
// name, new digest) is therefore an update rather than a delete/create pair.
//
// This function is pure. The member lists of the result are sorted by tag
// name, so equal inputs produce deeply equal outputs.
func ComputeTagDiff(repo bollard.Repository, registryTags map[string]registry.Manifest, existingTags []bollard.Tag, now time.Time) TagDiff {
	existingByName := make(map[string]bollard.Tag, len(existingTags))
	for _, tag := range existingTags {
		existingByName[tag.Name] = tag
	}

	var result TagDiff
	for tagName, manifest := range registryTags {
		existing, exists := existingByName[tagName]
		switch {
		case !exists:
			result.Create = append(result.Create, bollard.Tag{
				RepositoryID: repo.ID,
				Name:         tagName,
				Digest:       manifest.Digest,
				SizeBytes:    manifest.SizeBytes,
				OS:           manifest.OS,
				Architecture: manifest.Architecture,
				ImageType:    manifest.ImageType,
				CreatedAt:    now,
				LastSyncedAt: now,
			})
		case existing.Digest != manifest.Digest:
			updated := existing
			updated.Digest = manifest.Digest
			updated.SizeBytes = manifest.SizeBytes
			updated.OS = manifest.OS
			updated.Architecture = manifest.Architecture
			updated.ImageType = manifest.ImageType
			updated.LastSyncedAt = now
			result.Update = append(result.Update, updated)
		default:
			result.Touch = append(result.Touch, tagName)
		}
	}

	for _, tag := range existingTags {
		if _, exists := registryTags[tag.Name]; !exists {
			result.Delete = append(result.Delete, tag.Name)
		}
	}

	//map iteration order is not deterministic, but mutation order shall be
	sort.Slice(result.Create, func(i, j int) bool { return result.Create[i].Name < result.Create[j].Name })
	sort.Slice(result.Update, func(i, j int) bool { return result.Update[i].Name < result.Update[j].Name })
	sort.Strings(result.Touch)
	sort.Strings(result.Delete)
	return result
}
