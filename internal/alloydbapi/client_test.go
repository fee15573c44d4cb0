// Copyright 2022 Google LLC
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

package alloydbapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/instance"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var testInstance = instance.URI{
	Project: "my-project", Region: "my-region",
	Cluster: "my-cluster", Name: "my-instance",
}

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	s := httptest.NewServer(handler)
	c, err := NewClient(
		context.Background(), "",
		option.WithEndpoint(s.URL),
		option.WithHTTPClient(s.Client()),
	)
	if err != nil {
		t.Fatalf("NewClient want no error, got = %v", err)
	}
	return c, s.Close
}

func TestConnectionInfo(t *testing.T) {
	wantPath := "/projects/my-project/locations/my-region" +
		"/clusters/my-cluster/instances/my-instance/connectionInfo"
	c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method want = GET, got = %v", r.Method)
		}
		if r.URL.Path != wantPath {
			t.Errorf("path want = %v, got = %v", wantPath, r.URL.Path)
		}
		w.Write([]byte(`{"ipAddress":"10.0.0.1","instanceUid":"some-uid"}`))
	})
	defer cleanup()

	resp, err := c.ConnectionInfo(context.Background(), testInstance)
	if err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	if resp.IPAddress != "10.0.0.1" {
		t.Errorf("ipAddress want = 10.0.0.1, got = %v", resp.IPAddress)
	}
	if resp.InstanceUID != "some-uid" {
		t.Errorf("instanceUid want = some-uid, got = %v", resp.InstanceUID)
	}
}

func TestConnectionInfoError(t *testing.T) {
	c, cleanup := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	})
	defer cleanup()

	_, err := c.ConnectionInfo(context.Background(), testInstance)
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("want googleapi.Error, got = %v", err)
	}
	if apiErr.Code != http.StatusForbidden {
		t.Errorf("code want = 403, got = %v", apiErr.Code)
	}
}

func TestEndpointPrefersIPAddress(t *testing.T) {
	tcs := []struct {
		desc   string
		resp   ConnectionInfoResponse
		want   string
		wantOK bool
	}{
		{
			desc:   "ip only",
			resp:   ConnectionInfoResponse{IPAddress: "10.0.0.1"},
			want:   "10.0.0.1",
			wantOK: true,
		},
		{
			desc:   "psc only",
			resp:   ConnectionInfoResponse{PSCDNSName: "x.y.alloydb.goog"},
			want:   "x.y.alloydb.goog",
			wantOK: true,
		},
		{
			desc: "both prefers ip",
			resp: ConnectionInfoResponse{
				IPAddress: "10.0.0.1", PSCDNSName: "x.y.alloydb.goog",
			},
			want:   "10.0.0.1",
			wantOK: true,
		},
		{
			desc:   "neither",
			resp:   ConnectionInfoResponse{},
			wantOK: false,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, ok := tc.resp.Endpoint()
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("want = (%v, %v), got = (%v, %v)", tc.want, tc.wantOK, got, ok)
			}
		})
	}
}

func TestGenerateClientCert(t *testing.T) {
	wantPath := "/projects/my-project/locations/my-region" +
		"/clusters/my-cluster:generateClientCertificate"
	c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method want = POST, got = %v", r.Method)
		}
		if r.URL.Path != wantPath {
			t.Errorf("path want = %v, got = %v", wantPath, r.URL.Path)
		}
		var body GenerateClientCertificateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.PublicKey != "fake-pem" {
			t.Errorf("publicKey want = fake-pem, got = %v", body.PublicKey)
		}
		if body.CertificateDuration != "86400s" {
			t.Errorf("certDuration want = 86400s, got = %v", body.CertificateDuration)
		}
		w.Write([]byte(`{"pemCertificateChain":["leaf","intermediate"],"caCert":"root"}`))
	})
	defer cleanup()

	resp, err := c.GenerateClientCert(context.Background(), testInstance, []byte("fake-pem"))
	if err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	if len(resp.PemCertificateChain) != 2 {
		t.Fatalf("chain length want = 2, got = %v", len(resp.PemCertificateChain))
	}
	if resp.CACert != "root" {
		t.Errorf("caCert want = root, got = %v", resp.CACert)
	}
}

func TestGenerateClientCertError(t *testing.T) {
	c, cleanup := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	defer cleanup()

	_, err := c.GenerateClientCert(context.Background(), testInstance, []byte("fake-pem"))
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("want googleapi.Error, got = %v", err)
	}
	if apiErr.Code != http.StatusInternalServerError {
		t.Errorf("code want = 500, got = %v", apiErr.Code)
	}
}
