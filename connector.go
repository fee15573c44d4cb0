// Copyright 2020 Google LLC
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

// Package alloydbconnect authenticates a PostgreSQL client to AlloyDB. A
// Connector resolves an instance's endpoint, mints an ephemeral client
// certificate, establishes an mTLS connection to the instance's server side
// proxy, and completes the metadata exchange. The returned net.Conn is
// ready for the PostgreSQL startup message.
package alloydbconnect

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/debug"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/errtype"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/instance"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/internal/alloydb"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/internal/alloydbapi"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/internal/mdx"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/internal/tel"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/internal/trace"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	apiopt "google.golang.org/api/option"
)

const (
	// defaultTCPKeepAlive is the default keep alive value used on
	// connections to an AlloyDB instance.
	defaultTCPKeepAlive = 30 * time.Second
	// serverProxyPort is the port the server side proxy receives
	// connections on. It is distinct from the PostgreSQL port.
	serverProxyPort = "5433"
	// defaultIOTimeout is the maximum amount of time to wait on any single
	// network operation before aborting a connection attempt.
	defaultIOTimeout = 30 * time.Second
	// maxResponseFrame caps the size of a metadata exchange response the
	// connector will accept.
	maxResponseFrame = 10 * 1024 * 1024 // 10 MiB
	// adminAPIRate and adminAPIBurst bound the Admin API request rate per
	// instance. Every connection attempt mints a fresh certificate, so the
	// limiter protects the caller's API quota under connection storms.
	adminAPIRate  = 100 * time.Millisecond
	adminAPIBurst = 50
)

var (
	// ErrConnectorClosed is used when a caller invokes Connect after
	// closing the Connector.
	ErrConnectorClosed = errors.New("alloydbconnect: connector is closed")
	// versionString indicates the version of this library.
	//go:embed version.txt
	versionString string
	userAgent     = "alloydb-connect-go/" + strings.TrimSpace(versionString)
)

type nullLogger struct{}

func (nullLogger) Debugf(context.Context, string, ...interface{}) {}

// A Connector creates authenticated connections to AlloyDB instances.
//
// Use NewConnector to initialize a Connector.
type Connector struct {
	client *alloydbapi.Client
	logger debug.ContextLogger

	// connectorID uniquely identifies a Connector. Used for monitoring
	// purposes: it is attached to the built-in metrics (unless telemetry is
	// opted out of) and to the OpenCensus spans and metrics.
	connectorID string

	// rsaKey, when set, pins the client keypair instead of generating a
	// fresh keypair per connection attempt.
	rsaKey *rsa.PrivateKey

	// dialFunc is the function used to connect to the address on the named
	// network. By default it is golang.org/x/net/proxy#Dial.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	// defaultConnectCfg holds the constructor level ConnectOptions, so that
	// it can be copied and mutated by the Connect function.
	defaultConnectCfg connectCfg

	ioTimeout      time.Duration
	useIAMAuthN    bool
	iamTokenSource oauth2.TokenSource
	userAgent      string

	telemetryDisabled bool
	telemetryVersion  string

	lock sync.RWMutex
	// limiters bound the Admin API request rate, per instance.
	limiters map[instance.URI]*rate.Limiter
	// metricRecorders hold the per-instance telemetry recorders.
	metricRecorders map[instance.URI]tel.MetricRecorder

	// openConns is the number of open connections across all instances.
	openConns uint64

	// closed reports if the connector has been closed.
	closed chan struct{}

	buffer *buffer
}

// NewConnector creates a new Connector.
func NewConnector(ctx context.Context, opts ...Option) (*Connector, error) {
	cfg := &connectorConfig{
		ioTimeout:  defaultIOTimeout,
		dialFunc:   proxy.Dial,
		logger:     nullLogger{},
		userAgents: []string{userAgent},
	}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}
	if cfg.setCredentialsSrc > 1 {
		return nil, errtype.NewConfigError(
			"only one of WithTokenSource, WithCredentialsFile, or "+
				"WithCredentialsJSON may be used", "n/a",
		)
	}
	if cfg.iamTokenSource != nil && !cfg.useIAMAuthN {
		return nil, errtype.NewConfigError(
			"WithIAMAuthNTokenSource requires WithIAMAuthN", "n/a",
		)
	}
	ua := strings.Join(cfg.userAgents, " ")
	// Add this to the end to make sure it's not overridden
	cfg.adminOpts = append(cfg.adminOpts, apiopt.WithUserAgent(ua))

	// The IAM token source authenticates the metadata exchange. Fall back
	// to the Admin API credentials, and finally to ADC.
	var iamTS oauth2.TokenSource
	if cfg.useIAMAuthN {
		iamTS = cfg.iamTokenSource
		if iamTS == nil {
			iamTS = cfg.tokenSource
		}
		if iamTS == nil {
			var err error
			iamTS, err = google.DefaultTokenSource(ctx, CloudPlatformScope)
			if err != nil {
				return nil, err
			}
		}
	}

	client, err := alloydbapi.NewClient(ctx, cfg.apiVersion, cfg.adminOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AlloyDB Admin API client: %v", err)
	}

	connectCfg := connectCfg{
		tcpKeepAlive: defaultTCPKeepAlive,
	}
	for _, opt := range cfg.connectOpts {
		opt(&connectCfg)
	}

	if err := trace.InitMetrics(); err != nil {
		return nil, err
	}
	c := &Connector{
		client:            client,
		logger:            cfg.logger,
		connectorID:       uuid.New().String(),
		rsaKey:            cfg.rsaKey,
		dialFunc:          cfg.dialFunc,
		defaultConnectCfg: connectCfg,
		ioTimeout:         cfg.ioTimeout,
		useIAMAuthN:       cfg.useIAMAuthN,
		iamTokenSource:    iamTS,
		userAgent:         ua,
		telemetryDisabled: cfg.disableTelemetry,
		telemetryVersion:  strings.TrimSpace(versionString),
		limiters:          make(map[instance.URI]*rate.Limiter),
		metricRecorders:   make(map[instance.URI]tel.MetricRecorder),
		closed:            make(chan struct{}),
		buffer:            newBuffer(),
	}
	return c, nil
}

// Connect returns a net.Conn connected to the specified AlloyDB instance,
// authenticated and past the metadata exchange. The instURI argument must
// be the instance's URI, in the format
// projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>.
func (c *Connector) Connect(ctx context.Context, instURI string, opts ...ConnectOption) (conn net.Conn, err error) {
	select {
	case <-c.closed:
		return nil, ErrConnectorClosed
	default:
	}
	startTime := time.Now()

	inst, err := instance.ParseURI(instURI)
	if err != nil {
		return nil, err
	}

	var endConnect trace.EndSpanFunc
	ctx, endConnect = trace.StartSpan(ctx, "github.com/GoogleCloudPlatform/alloydb-connect-go.Connect",
		trace.AddInstanceName(inst.String()),
		trace.AddDialerID(c.connectorID),
	)
	status := tel.DialUserError
	mr := c.metricRecorder(ctx, inst)
	defer func() {
		go trace.RecordDialError(context.Background(), inst.String(), c.connectorID, err)
		go mr.RecordDialCount(ctx, tel.Attributes{
			UserAgent:  c.userAgent,
			IAMAuthN:   c.useIAMAuthN,
			DialStatus: status,
		})
		endConnect(err)
	}()

	cfg := c.defaultConnectCfg
	for _, opt := range opts {
		opt(&cfg)
	}

	// The token is fetched before anything else; a broken token source
	// fails the attempt without a single network call.
	var iamToken string
	if c.useIAMAuthN {
		tok, err := c.iamTokenSource.Token()
		if err != nil {
			return nil, errtype.NewTokenError(err)
		}
		iamToken = tok.AccessToken
	}

	status = tel.DialRefreshError
	creds, addr, err := c.mintCredentials(ctx, inst)
	if err != nil {
		return nil, err
	}

	status = tel.DialTCPError
	hostPort := net.JoinHostPort(addr, serverProxyPort)
	f := c.dialFunc
	if cfg.dialFunc != nil {
		f = cfg.dialFunc
	}
	c.logger.Debugf(ctx, "[%v] Dialing %v", inst.String(), hostPort)
	dialCtx, cancel := context.WithTimeout(ctx, c.ioTimeout)
	defer cancel()
	conn, err = f(dialCtx, "tcp", hostPort)
	if err != nil {
		c.logger.Debugf(ctx, "[%v] Dialing %v failed: %v", inst.String(), hostPort, err)
		return nil, errtype.NewDialError("failed to dial", inst.String(), err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			_ = conn.Close()
			return nil, errtype.NewDialError("failed to set keep-alive", inst.String(), err)
		}
		if err := tcpConn.SetKeepAlivePeriod(cfg.tcpKeepAlive); err != nil {
			_ = conn.Close()
			return nil, errtype.NewDialError("failed to set keep-alive period", inst.String(), err)
		}
	}

	status = tel.DialTLSError
	tlsConn := tls.Client(conn, creds.TLSConfig(inst, addr))
	hsCtx, hsCancel := context.WithTimeout(ctx, c.ioTimeout)
	defer hsCancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		c.logger.Debugf(ctx, "[%v] TLS handshake failed: %v", inst.String(), err)
		_ = tlsConn.Close() // best effort close attempt
		return nil, errtype.NewDialError("handshake failed", inst.String(), err)
	}

	// The metadata exchange must occur after the TLS connection is
	// established to avoid leaking sensitive information.
	status = tel.DialMDXError
	err = c.metadataExchange(ctx, inst, tlsConn, iamToken)
	if err != nil {
		_ = tlsConn.Close() // best effort close attempt
		return nil, err
	}

	status = tel.DialSuccess
	latency := time.Since(startTime).Milliseconds()
	go func() {
		n := atomic.AddUint64(&c.openConns, 1)
		trace.RecordOpenConnections(ctx, int64(n), c.connectorID, inst.String())
		trace.RecordDialLatency(ctx, instURI, c.connectorID, latency)
		mr.RecordDialLatency(ctx, latency, tel.Attributes{UserAgent: c.userAgent})
		mr.RecordOpenConnection(ctx, tel.Attributes{
			UserAgent: c.userAgent, IAMAuthN: c.useIAMAuthN,
		})
	}()

	return newInstrumentedConn(tlsConn, func() {
		go func() {
			n := atomic.AddUint64(&c.openConns, ^uint64(0))
			trace.RecordOpenConnections(context.Background(), int64(n), c.connectorID, inst.String())
			mr.RecordClosedConnection(context.Background(), tel.Attributes{
				UserAgent: c.userAgent, IAMAuthN: c.useIAMAuthN,
			})
		}()
	}), nil
}

// mintCredentials resolves the instance's endpoint and produces fresh
// ephemeral credentials for a single connection attempt.
func (c *Connector) mintCredentials(ctx context.Context, inst instance.URI) (alloydb.Credentials, string, error) {
	var end trace.EndSpanFunc
	ctx, end = trace.StartSpan(ctx, "github.com/GoogleCloudPlatform/alloydb-connect-go/internal.MintCredentials")
	var err error
	defer func() { end(err) }()

	ctx, cancel := context.WithTimeout(ctx, c.ioTimeout)
	defer cancel()

	// Avoid minting too often so as not to tax the Admin API quotas.
	if err = c.limiter(inst).Wait(ctx); err != nil {
		if cErr := ctx.Err(); cErr != nil {
			err = cErr
		} else {
			err = errtype.NewRefreshError(
				"throttled until context expired", inst.String(), nil,
			)
		}
		return alloydb.Credentials{}, "", err
	}

	info, err := c.client.ConnectionInfo(ctx, inst)
	if err != nil {
		err = errtype.NewRefreshError(
			"failed to get instance metadata", inst.String(), err,
		)
		return alloydb.Credentials{}, "", err
	}
	addr, ok := info.Endpoint()
	if !ok {
		err = errtype.NewRefreshError(
			"instance has no reachable address", inst.String(), nil,
		)
		return alloydb.Credentials{}, "", err
	}
	c.logger.Debugf(ctx, "[%v] Resolved endpoint %v (uid = %v)",
		inst.String(), addr, info.InstanceUID)

	key := c.rsaKey
	if key == nil {
		if key, err = alloydb.GenerateKey(); err != nil {
			err = errtype.NewRefreshError(
				"failed to generate keypair", inst.String(), err,
			)
			return alloydb.Credentials{}, "", err
		}
	}
	pubPEM, err := alloydb.PublicKeyPEM(key)
	if err != nil {
		err = errtype.NewRefreshError(
			"failed to encode public key", inst.String(), err,
		)
		return alloydb.Credentials{}, "", err
	}
	resp, err := c.client.GenerateClientCert(ctx, inst, pubPEM)
	if err != nil {
		err = errtype.NewRefreshError(
			"create ephemeral cert failed", inst.String(), err,
		)
		return alloydb.Credentials{}, "", err
	}
	creds, err := alloydb.NewCredentials(inst, key, resp.PemCertificateChain, resp.CACert)
	if err != nil {
		return alloydb.Credentials{}, "", err
	}
	c.logger.Debugf(ctx, "[%v] Ephemeral certificate expires %v",
		inst.String(), creds.Expiration().UTC().Format(time.RFC3339))
	return creds, addr, nil
}

// metadataExchange sends metadata about the connection prior to the
// database protocol taking over. The exchange consists of four steps:
//
//  1. Prepare a MetadataExchangeRequest including the IAM Principal's
//     OAuth2 token, the user agent, and the requested authentication type.
//
//  2. Write the size of the message as a big endian uint32 (4 bytes) to the
//     server followed by the encoded message. The length does not include
//     the initial four bytes.
//
//  3. Read a big endian uint32 (4 bytes) from the server. This is the
//     MetadataExchangeResponse message length and does not include the
//     initial four bytes.
//
//  4. Decode the response using the message length in step 3. If the
//     response is not OK, return the response's error. If there is no
//     error, the metadata exchange has succeeded and the connection is
//     complete.
//
// Subsequent interactions with the server use the database protocol.
func (c *Connector) metadataExchange(ctx context.Context, inst instance.URI, conn net.Conn, iamToken string) error {
	authType := mdx.AuthTypeDBNative
	if c.useIAMAuthN {
		authType = mdx.AuthTypeAutoIAM
	}
	req := &mdx.MetadataExchangeRequest{
		UserAgent:   c.userAgent,
		AuthType:    authType,
		OAuth2Token: iamToken,
	}
	m := req.Marshal()

	b := c.buffer.get()
	defer c.buffer.put(b)
	buf := *b

	// A caller canceling the context must abort any in-flight read or
	// write immediately, not at the I/O deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	ctxErr := func(err error) error {
		if cErr := ctx.Err(); cErr != nil {
			return cErr
		}
		return errtype.NewMetadataExchangeError(
			"failed to exchange metadata", inst.String(), err,
		)
	}

	if len(m)+4 > len(buf) {
		buf = make([]byte, len(m)+4)
	}
	binary.BigEndian.PutUint32(buf, uint32(len(m)))
	buf = append(buf[:4], m...)

	// Set IO deadline before write
	if err := conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return ctxErr(err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(buf); err != nil {
		return ctxErr(err)
	}

	// Reset IO deadline before read
	if err := conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return ctxErr(err)
	}

	buf = buf[:4]
	if _, err := io.ReadFull(conn, buf); err != nil {
		return ctxErr(err)
	}
	respSize := binary.BigEndian.Uint32(buf)
	if respSize > maxResponseFrame {
		return errtype.NewMetadataExchangeError(
			fmt.Sprintf("response frame too large: %d bytes", respSize),
			inst.String(), nil,
		)
	}
	resp := buf[:cap(buf)]
	if int(respSize) > len(resp) {
		resp = make([]byte, respSize)
	}
	resp = resp[:respSize]
	if _, err := io.ReadFull(conn, resp); err != nil {
		return ctxErr(err)
	}

	mdxResp, err := mdx.UnmarshalResponse(resp)
	if err != nil {
		return errtype.NewMetadataExchangeError(
			"malformed response", inst.String(), err,
		)
	}

	switch mdxResp.ResponseCode {
	case mdx.ResponseOK:
		return nil
	case mdx.ResponseError:
		return errtype.NewMetadataExchangeRejection(mdxResp.Error, inst.String())
	default:
		return errtype.NewMetadataExchangeError(
			fmt.Sprintf("unexpected response code: %d", mdxResp.ResponseCode),
			inst.String(), nil,
		)
	}
}

// limiter returns the rate limiter for the provided instance, creating one
// as needed.
func (c *Connector) limiter(inst instance.URI) *rate.Limiter {
	c.lock.Lock()
	defer c.lock.Unlock()
	l, ok := c.limiters[inst]
	if !ok {
		l = rate.NewLimiter(rate.Every(adminAPIRate), adminAPIBurst)
		c.limiters[inst] = l
	}
	return l
}

// metricRecorder returns the telemetry recorder for the provided instance,
// creating one as needed.
func (c *Connector) metricRecorder(ctx context.Context, inst instance.URI) tel.MetricRecorder {
	c.lock.Lock()
	defer c.lock.Unlock()
	mr, ok := c.metricRecorders[inst]
	if ok {
		return mr
	}
	mr, err := tel.NewMetricRecorder(ctx, tel.Config{
		Enabled:   !c.telemetryDisabled,
		Version:   c.telemetryVersion,
		ClientID:  c.connectorID,
		ProjectID: inst.Project,
		Location:  inst.Region,
		Cluster:   inst.Cluster,
		Instance:  inst.Name,
	})
	if err != nil {
		c.logger.Debugf(ctx,
			"[%v] Failed to initialize metric recorder: %v",
			inst.String(), err,
		)
		mr = tel.NullMetricRecorder{}
	}
	c.metricRecorders[inst] = mr
	return mr
}

const maxMessageSize = 16 * 1024 // 16 kb

type buffer struct {
	pool sync.Pool
}

func newBuffer() *buffer {
	return &buffer{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, maxMessageSize)
				return &buf
			},
		},
	}
}

func (b *buffer) get() *[]byte {
	return b.pool.Get().(*[]byte)
}

func (b *buffer) put(buf *[]byte) {
	b.pool.Put(buf)
}

// newInstrumentedConn initializes an instrumentedConn that on closing will
// report the close via closeFunc.
func newInstrumentedConn(conn net.Conn, closeFunc func()) *instrumentedConn {
	return &instrumentedConn{
		Conn:      conn,
		closeFunc: closeFunc,
	}
}

// instrumentedConn wraps a net.Conn and invokes closeFunc when the
// connection is closed.
type instrumentedConn struct {
	net.Conn
	closeFunc func()
}

// Close delegates to the underlying net.Conn interface and reports the
// close to the provided closeFunc only when Close returns no error.
func (i *instrumentedConn) Close() error {
	err := i.Conn.Close()
	if err != nil {
		return err
	}
	i.closeFunc()
	return nil
}

// Close closes the Connector. Subsequent calls to Connect return
// ErrConnectorClosed.
func (c *Connector) Close() error {
	// Check if Close has already been called.
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)

	c.lock.Lock()
	defer c.lock.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for inst, mr := range c.metricRecorders {
		if err := mr.Shutdown(ctx); err != nil {
			c.logger.Debugf(ctx,
				"[%v] Failed to shut down metrics: %v", inst.String(), err,
			)
		}
	}
	return nil
}
