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

package instance

import (
	"errors"
	"testing"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/errtype"
)

func TestParseURI(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
		want URI
	}{
		{
			desc: "long form",
			in:   "projects/proj/locations/reg/clusters/clust/instances/name",
			want: URI{Project: "proj", Region: "reg", Cluster: "clust", Name: "name"},
		},
		{
			desc: "long form with legacy domain-scoped project",
			in:   "projects/google.com:proj/locations/reg/clusters/clust/instances/name",
			want: URI{Project: "google.com:proj", Region: "reg", Cluster: "clust", Name: "name"},
		},
		{
			desc: "short form",
			in:   "proj.reg.clust.name",
			want: URI{Project: "proj", Region: "reg", Cluster: "clust", Name: "name"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseURI(tc.in)
			if err != nil {
				t.Fatalf("want no error, got = %v", err)
			}
			if got != tc.want {
				t.Fatalf("want = %v, got = %v", tc.want, got)
			}
		})
	}
}

func TestParseURIErrors(t *testing.T) {
	tcs := []string{
		"projects/proj/locations/reg/clusters/clust",
		"proj:reg:clust:name",
		"",
		"projects/proj/locations/reg",
	}
	for _, tc := range tcs {
		_, err := ParseURI(tc)
		var cErr *errtype.ConfigError
		if !errors.As(err, &cErr) {
			t.Errorf("ParseURI(%q) want config error, got = %v", tc, err)
		}
	}
}

func TestURIFormatting(t *testing.T) {
	u, err := ParseURI("projects/proj/locations/reg/clusters/clust/instances/name")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := u.URI(), "projects/proj/locations/reg/clusters/clust/instances/name"; got != want {
		t.Errorf("URI() got = %v, want = %v", got, want)
	}
	if got, want := u.Parent(), "projects/proj/locations/reg/clusters/clust"; got != want {
		t.Errorf("Parent() got = %v, want = %v", got, want)
	}
	if got, want := u.String(), "proj.reg.clust.name"; got != want {
		t.Errorf("String() got = %v, want = %v", got, want)
	}
}
