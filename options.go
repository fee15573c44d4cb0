// Copyright 2020 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alloydbconnect

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/debug"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/errtype"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
)

// CloudPlatformScope is the default OAuth2 scope set on the API client.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// An Option is an option for configuring a Connector.
type Option func(d *connectorConfig)

type connectorConfig struct {
	rsaKey            *rsa.PrivateKey
	adminOpts         []apiopt.ClientOption
	apiVersion        string
	connectOpts       []ConnectOption
	dialFunc          func(ctx context.Context, network, addr string) (net.Conn, error)
	ioTimeout         time.Duration
	tokenSource       oauth2.TokenSource
	iamTokenSource    oauth2.TokenSource
	userAgents        []string
	useIAMAuthN       bool
	logger            debug.ContextLogger
	disableTelemetry  bool
	setCredentialsSrc int
	// err tracks any connector options that may have failed.
	err error
}

// WithOptions turns a list of Option's into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *connectorConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentialsFile returns an Option that specifies a service account
// or refresh token JSON credentials file to be used as the basis for
// authentication.
func WithCredentialsFile(filename string) Option {
	return func(d *connectorConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		opt := WithCredentialsJSON(b)
		opt(d)
	}
}

// WithCredentialsJSON returns an Option that specifies a service account
// or refresh token JSON credentials to be used as the basis for
// authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(d *connectorConfig) {
		c, err := google.CredentialsFromJSON(context.Background(), b, CloudPlatformScope)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		d.tokenSource = c.TokenSource
		d.adminOpts = append(d.adminOpts, apiopt.WithCredentials(c))
		d.setCredentialsSrc++
	}
}

// WithUserAgent returns an Option that sets the User-Agent.
func WithUserAgent(ua string) Option {
	return func(d *connectorConfig) {
		d.userAgents = append(d.userAgents, ua)
	}
}

// WithDefaultConnectOptions returns an Option that specifies the default
// ConnectOptions used.
func WithDefaultConnectOptions(opts ...ConnectOption) Option {
	return func(d *connectorConfig) {
		d.connectOpts = append(d.connectOpts, opts...)
	}
}

// WithTokenSource returns an Option that specifies an OAuth2 token source
// to be used as the basis for authentication.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *connectorConfig) {
		d.tokenSource = s
		d.adminOpts = append(d.adminOpts, apiopt.WithTokenSource(s))
		d.setCredentialsSrc++
	}
}

// WithIAMAuthNTokenSource returns an Option that specifies a token source
// used only for the metadata exchange when automatic IAM authentication is
// enabled. It does not affect the credentials of the Admin API client.
func WithIAMAuthNTokenSource(s oauth2.TokenSource) Option {
	return func(d *connectorConfig) {
		d.iamTokenSource = s
	}
}

// WithRSAKey returns an Option that specifies an rsa.PrivateKey used to
// represent the client. By default a fresh keypair is generated for every
// connection attempt; this option pins a single key instead and is
// generally unnecessary outside of tests.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *connectorConfig) {
		d.rsaKey = k
	}
}

// WithIOTimeout returns an Option that sets the timeout applied to each
// phase of a connection attempt: credential minting (the Admin API calls),
// the TCP dial, the TLS handshake, and each read and write of the metadata
// exchange. Defaults to 30s.
func WithIOTimeout(t time.Duration) Option {
	return func(d *connectorConfig) {
		d.ioTimeout = t
	}
}

// WithHTTPClient configures the underlying AlloyDB Admin API client with
// the provided HTTP client. This option is generally unnecessary except for
// advanced use-cases.
func WithHTTPClient(client *http.Client) Option {
	return func(d *connectorConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithHTTPClient(client))
	}
}

// WithAdminAPIEndpoint configures the underlying AlloyDB Admin API client
// to use the provided URL.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *connectorConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithEndpoint(url))
	}
}

// WithAPIVersion configures the version segment of the AlloyDB Admin API
// URL. Defaults to v1beta.
func WithAPIVersion(version string) Option {
	return func(d *connectorConfig) {
		d.apiVersion = version
	}
}

// WithDialFunc configures the function used to connect to the address on
// the named network. This option is generally unnecessary except for
// advanced use-cases. The function is used for all invocations of Connect.
// To configure a dial function per individual call, use WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *connectorConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM Authentication. If no token source has
// been configured (such as with WithTokenSource, WithCredentialsFile, etc),
// the connector will use the default token source as defined by
// https://pkg.go.dev/golang.org/x/oauth2/google#FindDefaultCredentialsWithParams.
func WithIAMAuthN() Option {
	return func(d *connectorConfig) {
		d.useIAMAuthN = true
	}
}

// WithDebugLogger configures a debug logger for reporting on internal
// operations. By default the debug logger is disabled.
func WithDebugLogger(l debug.ContextLogger) Option {
	return func(d *connectorConfig) {
		d.logger = l
	}
}

// WithOptOutOfBuiltInTelemetry disables the internal metric exporter.
//
// The connector otherwise reports metrics on its internal operations (e.g.,
// dial count, dial latency, open connections) to Google Cloud Monitoring
// using a system-defined meter.
func WithOptOutOfBuiltInTelemetry() Option {
	return func(d *connectorConfig) {
		d.disableTelemetry = true
	}
}

// A ConnectOption is an option for configuring how a Connector's Connect
// call is executed.
type ConnectOption func(cfg *connectCfg)

type connectCfg struct {
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	tcpKeepAlive time.Duration
}

// ConnectOptions turns a list of ConnectOption instances into a single
// ConnectOption.
func ConnectOptions(opts ...ConnectOption) ConnectOption {
	return func(cfg *connectCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithOneOffDialFunc configures the dial function on a one-off basis for an
// individual call to Connect. To configure a dial function across all
// invocations, use WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) ConnectOption {
	return func(c *connectCfg) {
		c.dialFunc = dial
	}
}

// WithTCPKeepAlive returns a ConnectOption that specifies the TCP keep
// alive period for the connection returned by Connect.
func WithTCPKeepAlive(d time.Duration) ConnectOption {
	return func(cfg *connectCfg) {
		cfg.tcpKeepAlive = d
	}
}
