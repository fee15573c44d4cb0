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

// Package alloydbapi provides a REST client for the two AlloyDB Admin API
// methods the connector needs: connectionInfo and
// generateClientCertificate.
package alloydbapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/instance"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

const (
	// baseURL is the production endpoint of the AlloyDB Admin API.
	baseURL = "https://alloydb.googleapis.com"
	// DefaultAPIVersion is the API version segment appended to baseURL.
	DefaultAPIVersion = "v1beta"
	// certDuration is the requested lifetime of an ephemeral certificate.
	// The server may cap the lifetime below the request.
	certDuration = "86400s"
)

// ConnectionInfoResponse is the response from the connectionInfo endpoint.
// Exactly one of IPAddress and PSCDNSName is expected to be populated.
type ConnectionInfoResponse struct {
	ServerResponse googleapi.ServerResponse
	IPAddress      string `json:"ipAddress"`
	PSCDNSName     string `json:"pscDnsName"`
	InstanceUID    string `json:"instanceUid"`
}

// Endpoint returns the reachable address of the instance, preferring the
// explicit IP over the PSC DNS name. ok is false when the response carried
// neither.
func (r ConnectionInfoResponse) Endpoint() (addr string, ok bool) {
	if r.IPAddress != "" {
		return r.IPAddress, true
	}
	if r.PSCDNSName != "" {
		return r.PSCDNSName, true
	}
	return "", false
}

// GenerateClientCertificateRequest is the request to mint an ephemeral
// client certificate. The public key is submitted directly as a PEM; the API
// does not require a signed CSR.
type GenerateClientCertificateRequest struct {
	PublicKey           string `json:"publicKey"`
	CertificateDuration string `json:"certDuration"`
}

// GenerateClientCertificateResponse is the response from the certificate
// endpoint. The chain is ordered leaf first; CACert is the root used to
// verify the server.
type GenerateClientCertificateResponse struct {
	ServerResponse      googleapi.ServerResponse
	PemCertificateChain []string `json:"pemCertificateChain"`
	CACert              string   `json:"caCert"`
}

// Client is an API client for the AlloyDB Admin REST API.
type Client struct {
	client *http.Client
	// endpoint is the base URL including the API version segment (e.g.
	// https://alloydb.googleapis.com/v1beta)
	endpoint string
}

// NewClient initializes a Client. The API version segment may be overridden
// with apiVersion; pass an empty string for the default. A fully custom base
// URL (e.g. a test server) may be set with option.WithEndpoint.
func NewClient(ctx context.Context, apiVersion string, opts ...option.ClientOption) (*Client, error) {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	os := append([]option.ClientOption{
		option.WithEndpoint(baseURL + "/" + apiVersion),
	}, opts...) // allow for overriding the endpoint
	os = append(os,
		// do not allow for overriding the scopes
		option.WithScopes("https://www.googleapis.com/auth/cloud-platform"),
	)
	client, endpoint, err := htransport.NewClient(ctx, os...)
	if err != nil {
		return nil, err
	}
	return &Client{client: client, endpoint: endpoint}, nil
}

// ConnectionInfo retrieves connection info for the provided instance.
func (c *Client) ConnectionInfo(ctx context.Context, inst instance.URI) (ConnectionInfoResponse, error) {
	u := fmt.Sprintf("%s/%s/connectionInfo", c.endpoint, inst.URI())
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return ConnectionInfoResponse{}, err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return ConnectionInfoResponse{}, err
	}
	defer res.Body.Close()

	// If the status code is 300 or greater, capture any information in the
	// response and return it as part of the error.
	if res.StatusCode >= http.StatusMultipleChoices {
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return ConnectionInfoResponse{}, err
		}
		return ConnectionInfoResponse{}, &googleapi.Error{
			Code:   res.StatusCode,
			Header: res.Header,
			Body:   string(body),
		}
	}
	ret := ConnectionInfoResponse{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return ConnectionInfoResponse{}, err
	}
	return ret, nil
}

// GenerateClientCert mints an ephemeral client certificate for the
// instance's parent cluster using the provided PEM-encoded public key.
func (c *Client) GenerateClientCert(ctx context.Context, inst instance.URI, publicKeyPEM []byte) (GenerateClientCertificateResponse, error) {
	u := fmt.Sprintf("%s/%s:generateClientCertificate", c.endpoint, inst.Parent())
	body, err := json.Marshal(GenerateClientCertificateRequest{
		PublicKey:           string(publicKeyPEM),
		CertificateDuration: certDuration,
	})
	if err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	defer res.Body.Close()
	// If the status code is 300 or greater, capture any information in the
	// response and return it as part of the error.
	if res.StatusCode >= http.StatusMultipleChoices {
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return GenerateClientCertificateResponse{}, err
		}
		return GenerateClientCertificateResponse{}, &googleapi.Error{
			Code:   res.StatusCode,
			Header: res.Header,
			Body:   string(body),
		}
	}
	ret := GenerateClientCertificateResponse{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	return ret, nil
}
