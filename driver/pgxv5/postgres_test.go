// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgxv5

import (
	"database/sql"
	"slices"
	"testing"

	alloydbconnect "github.com/GoogleCloudPlatform/alloydb-connect-go"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{}, nil
}

func TestRegisterDriver(t *testing.T) {
	cleanup, err := RegisterDriver(
		"alloydb-pgxv5-test",
		alloydbconnect.WithTokenSource(stubTokenSource{}),
		alloydbconnect.WithOptOutOfBuiltInTelemetry(),
	)
	if err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("cleanup want no error, got = %v", err)
		}
	}()

	if !slices.Contains(sql.Drivers(), "alloydb-pgxv5-test") {
		t.Fatal("expected driver to be registered")
	}
}

func TestRegisterDriverWithBadOption(t *testing.T) {
	cleanup, err := RegisterDriver(
		"alloydb-pgxv5-bad-option",
		alloydbconnect.WithCredentialsJSON([]byte("invalid-json")),
	)
	if err == nil {
		t.Fatal("expected an error, but got nil")
	}
	// The cleanup func must be safe to call even on failure.
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup want no error, got = %v", err)
	}
}
