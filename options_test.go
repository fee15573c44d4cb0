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

package alloydbconnect

import (
	"context"
	"testing"

	"golang.org/x/oauth2"
)

type nullTokenSource struct{}

func (nullTokenSource) Token() (*oauth2.Token, error) {
	return nil, nil
}

func TestNewConnectorIncompatibleOptions(t *testing.T) {
	tcs := []struct {
		desc string
		opts []Option
	}{
		{
			desc: "WithCredentialsFile and WithCredentialsJSON",
			opts: []Option{WithCredentialsFile("/some/file"), WithCredentialsJSON(nil)},
		},
		{
			desc: "WithCredentialsFile and WithTokenSource",
			opts: []Option{WithCredentialsFile("/some/file"), WithTokenSource(nullTokenSource{})},
		},
		{
			desc: "WithCredentialsJSON and WithTokenSource",
			opts: []Option{WithCredentialsJSON([]byte(`sample-json`)), WithTokenSource(nullTokenSource{})},
		},
		{
			desc: "WithIAMAuthNTokenSource without WithIAMAuthN",
			opts: []Option{WithIAMAuthNTokenSource(nullTokenSource{}), WithTokenSource(nullTokenSource{})},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := NewConnector(context.Background(), tc.opts...)
			if err == nil {
				t.Fatal("expected an error, but got nil")
			}
		})
	}
}

func TestWithOptionsComposes(t *testing.T) {
	cfg := &connectorConfig{}
	opt := WithOptions(WithUserAgent("custom-agent/0.0.1"), WithIAMAuthN())
	opt(cfg)
	if len(cfg.userAgents) != 1 || cfg.userAgents[0] != "custom-agent/0.0.1" {
		t.Errorf("userAgents want = [custom-agent/0.0.1], got = %v", cfg.userAgents)
	}
	if !cfg.useIAMAuthN {
		t.Error("useIAMAuthN want = true, got = false")
	}
}

func TestConnectOptionsCompose(t *testing.T) {
	cfg := &connectCfg{}
	opt := ConnectOptions(WithTCPKeepAlive(defaultTCPKeepAlive))
	opt(cfg)
	if cfg.tcpKeepAlive != defaultTCPKeepAlive {
		t.Errorf("tcpKeepAlive want = %v, got = %v", defaultTCPKeepAlive, cfg.tcpKeepAlive)
	}
}
