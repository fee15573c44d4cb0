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

package mock

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/internal/mdx"
)

// ProxyOption configures how the fake server side proxy answers the
// metadata exchange.
type ProxyOption func(*proxyConfig)

type proxyConfig struct {
	code     mdx.ResponseCode
	errMsg   string
	payload  []byte
	oversize bool
	truncate int
}

// WithExchangeError makes the proxy reject the exchange with the provided
// message.
func WithExchangeError(msg string) ProxyOption {
	return func(c *proxyConfig) {
		c.code = mdx.ResponseError
		c.errMsg = msg
	}
}

// WithExchangeResponseCode makes the proxy answer with an arbitrary
// response code.
func WithExchangeResponseCode(code mdx.ResponseCode) ProxyOption {
	return func(c *proxyConfig) {
		c.code = code
	}
}

// WithOversizeFrame makes the proxy announce a frame larger than any client
// should accept, without sending a body.
func WithOversizeFrame() ProxyOption {
	return func(c *proxyConfig) {
		c.oversize = true
	}
}

// WithTruncatedFrame makes the proxy announce the true frame length but
// withhold the final n bytes before closing the connection.
func WithTruncatedFrame(n int) ProxyOption {
	return func(c *proxyConfig) {
		c.truncate = n
	}
}

// WithPayload sets the bytes the proxy writes after a successful exchange,
// standing in for the database protocol. Defaults to the instance name.
func WithPayload(b []byte) ProxyOption {
	return func(c *proxyConfig) {
		c.payload = b
	}
}

// StartServerProxy starts a fake server side proxy listening on port 5433
// on all interfaces, configured with TLS as specified by the FakeInstance.
// The proxy requires a verified client certificate, performs the metadata
// exchange, and then writes its payload. Callers should invoke the returned
// function to clean up all resources.
func StartServerProxy(t *testing.T, inst FakeInstance, opts ...ProxyOption) func() {
	cfg := proxyConfig{
		code:    mdx.ResponseOK,
		payload: []byte(inst.name),
	}
	for _, o := range opts {
		o(&cfg)
	}

	pool := x509.NewCertPool()
	pool.AddCert(inst.rootCACert)
	tryListen := func(t *testing.T, attempts int) net.Listener {
		var (
			ln  net.Listener
			err error
		)
		for i := 0; i < attempts; i++ {
			ln, err = tls.Listen("tcp", ":5433", &tls.Config{
				Certificates: []tls.Certificate{
					{
						Certificate: [][]byte{inst.serverCert.Raw, inst.rootCACert.Raw},
						PrivateKey:  inst.serverKey,
						Leaf:        inst.serverCert,
					},
				},
				ServerName: "127.0.0.1",
				ClientAuth: tls.RequireAndVerifyClientCert,
				ClientCAs:  pool,
			})
			if err != nil {
				t.Log("listener failed to start, waiting 500ms")
				time.Sleep(500 * time.Millisecond)
				continue
			}
			return ln
		}
		t.Fatalf("failed to start listener: %v", err)
		return nil
	}
	ln := tryListen(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				if err := serveExchange(conn, cfg); err != nil {
					conn.Close()
					continue
				}
				conn.Close()
			}
		}
	}()
	return func() {
		cancel()
		ln.Close()
	}
}

// serveExchange mimics server side behavior in four steps:
//
//  1. Read a big endian uint32 (4 bytes) from the client. This is the number
//     of bytes the request consumes, not counting the initial four bytes.
//
//  2. Read the request using the message length and unmarshal it.
//
// The real server implementation will then validate the client has
// connection permissions using the provided OAuth2 token based on the auth
// type. Here in the test implementation, the server does nothing.
//
//  3. Write the size of the response as a big endian uint32 (4 bytes).
//
//  4. Write the marshaled response to the client, followed by the payload
//     that stands in for the database protocol.
//
// The configured behavior may instead announce an oversize frame or cut the
// response short to exercise client error handling.
func serveExchange(conn net.Conn, cfg proxyConfig) error {
	frameSize := make([]byte, 4)
	if _, err := io.ReadFull(conn, frameSize); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(frameSize)
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if _, err := mdx.UnmarshalRequest(buf); err != nil {
		return err
	}

	if cfg.oversize {
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, 20_000_001)
		if _, err := conn.Write(header); err != nil {
			return err
		}
		// Hold the connection open; the client must refuse the frame
		// without attempting to read it.
		io.Copy(io.Discard, conn)
		return nil
	}

	resp := mdx.MetadataExchangeResponse{
		ResponseCode: cfg.code,
		Error:        cfg.errMsg,
	}
	data := resp.Marshal()
	out := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	out = append(out, data...)

	if cfg.truncate > 0 {
		if cfg.truncate > len(data) {
			return fmt.Errorf("cannot truncate %d of %d bytes", cfg.truncate, len(data))
		}
		_, err := conn.Write(out[:len(out)-cfg.truncate])
		return err
	}

	// Write the response and the first database-protocol bytes together so
	// a client that over-reads the frame would corrupt the stream.
	out = append(out, cfg.payload...)
	if _, err := conn.Write(out); err != nil {
		return err
	}
	return nil
}
