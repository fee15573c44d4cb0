// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package instance provides the instance URI type used throughout the
// connector.
package instance

import (
	"fmt"
	"regexp"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/errtype"
)

var (
	// An instance URI is in the format:
	// 'projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>'
	// Additionally, we have to support legacy "domain-scoped" projects
	// (e.g. "google.com:PROJECT")
	longForm = regexp.MustCompile("projects/([^:]+(:[^:]+)?)/locations/([^:]+)/clusters/([^:]+)/instances/([^:]+)")

	// The short form is '<PROJECT>.<REGION>.<CLUSTER>.<INSTANCE>'.
	shortForm = regexp.MustCompile(`([^:]+)\.([^:]+)\.([^:]+)\.([^:]+)`)
)

// URI identifies an AlloyDB instance.
type URI struct {
	Project string
	Region  string
	Cluster string
	Name    string
}

// URI returns the full URI specifying an instance.
func (i URI) URI() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/clusters/%s/instances/%s",
		i.Project, i.Region, i.Cluster, i.Name,
	)
}

// Parent returns the URI of the instance's parent cluster. The cluster is the
// resource against which ephemeral certificates are minted.
func (i URI) Parent() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/clusters/%s",
		i.Project, i.Region, i.Cluster,
	)
}

// String returns a short-hand representation of an instance URI.
func (i URI) String() string {
	return fmt.Sprintf("%s.%s.%s.%s", i.Project, i.Region, i.Cluster, i.Name)
}

// ParseURI initializes a URI from either the long or the short form.
func ParseURI(uri string) (URI, error) {
	if m := longForm.FindStringSubmatch(uri); m != nil {
		return URI{
			Project: m[1],
			Region:  m[3],
			Cluster: m[4],
			Name:    m[5],
		}, nil
	}
	if m := shortForm.FindStringSubmatch(uri); m != nil {
		return URI{
			Project: m[1],
			Region:  m[2],
			Cluster: m[3],
			Name:    m[4],
		}, nil
	}
	return URI{}, errtype.NewConfigError(
		"invalid instance URI, expected "+
			"projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE> "+
			"or <PROJECT>.<REGION>.<CLUSTER>.<INSTANCE>",
		uri,
	)
}
