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

// Package mock provides fakes for the AlloyDB Admin API and the server side
// proxy, for use in connector tests.
package mock

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"
)

// Option configures a FakeInstance.
type Option func(*FakeInstance)

// WithIPAddr sets the IP address of the instance.
func WithIPAddr(addr string) Option {
	return func(f *FakeInstance) {
		f.ipAddr = addr
	}
}

// WithPSCDNSName clears the IP address and sets a PSC DNS name instead.
func WithPSCDNSName(name string) Option {
	return func(f *FakeInstance) {
		f.ipAddr = ""
		f.pscDNSName = name
	}
}

// WithNoEndpoint clears every address, simulating an instance that is not
// reachable yet.
func WithNoEndpoint() Option {
	return func(f *FakeInstance) {
		f.ipAddr = ""
		f.pscDNSName = ""
	}
}

// WithServerName sets the name the server uses to identify itself in the
// TLS handshake.
func WithServerName(name string) Option {
	return func(f *FakeInstance) {
		f.serverName = name
	}
}

// WithCertExpiry sets the expiration time of minted client certificates.
func WithCertExpiry(expiry time.Time) Option {
	return func(f *FakeInstance) {
		f.certExpiry = expiry
	}
}

// FakeInstance represents an AlloyDB instance with its certificate
// hierarchy: a root CA, an intermediate CA that signs client certificates,
// and a server certificate for the server side proxy.
type FakeInstance struct {
	project string
	region  string
	cluster string
	name    string

	ipAddr     string
	pscDNSName string
	uid        string
	serverName string
	certExpiry time.Time

	rootCACert *x509.Certificate
	rootKey    *rsa.PrivateKey

	intermedCert *x509.Certificate
	intermedKey  *rsa.PrivateKey

	serverCert *x509.Certificate
	serverKey  *rsa.PrivateKey
}

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

var (
	rootCAKey     = mustGenerateKey()
	intermedCAKey = mustGenerateKey()
	serverKey     = mustGenerateKey()
)

// NewFakeInstance creates a fake AlloyDB instance.
func NewFakeInstance(proj, reg, clust, name string, opts ...Option) FakeInstance {
	f := FakeInstance{
		project:    proj,
		region:     reg,
		cluster:    clust,
		name:       name,
		ipAddr:     "127.0.0.1",
		uid:        "00000000-0000-0000-0000-000000000000",
		serverName: "00000000-0000-0000-0000-000000000000.server.alloydb",
		certExpiry: time.Now().Add(24 * time.Hour),
	}

	for _, o := range opts {
		o(&f)
	}

	rootTemplate := &x509.Certificate{
		SerialNumber: &big.Int{},
		Subject: pkix.Name{
			CommonName: "root.alloydb",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	// create a self-signed root certificate
	signedRoot, err := x509.CreateCertificate(
		rand.Reader, rootTemplate, rootTemplate, &rootCAKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	rootCert, err := x509.ParseCertificate(signedRoot)
	if err != nil {
		panic(err)
	}
	// create an intermediate CA, signed by the root
	// This CA signs all client certs.
	intermedTemplate := &x509.Certificate{
		SerialNumber: &big.Int{},
		Subject: pkix.Name{
			CommonName: "client.alloydb",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	signedIntermed, err := x509.CreateCertificate(
		rand.Reader, intermedTemplate, rootCert, &intermedCAKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	intermedCert, err := x509.ParseCertificate(signedIntermed)
	if err != nil {
		panic(err)
	}
	// create a server certificate, signed by the root
	// This is what the server side proxy uses.
	serverTemplate := &x509.Certificate{
		SerialNumber: &big.Int{},
		Subject: pkix.Name{
			CommonName: f.serverName,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	signedServer, err := x509.CreateCertificate(
		rand.Reader, serverTemplate, rootCert, &serverKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	serverCert, err := x509.ParseCertificate(signedServer)
	if err != nil {
		panic(err)
	}

	// save all TLS certificates for later use.
	f.rootCACert = rootCert
	f.rootKey = rootCAKey
	f.intermedCert = intermedCert
	f.intermedKey = intermedCAKey
	f.serverCert = serverCert
	f.serverKey = serverKey

	return f
}

// String returns the short form of the instance's URI.
func (f FakeInstance) String() string {
	return f.project + "." + f.region + "." + f.cluster + "." + f.name
}

// signClientCert signs a client certificate for the provided public key
// using the instance's intermediate CA.
func (f FakeInstance) signClientCert(pub *rsa.PublicKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		PublicKey:    pub,
		SerialNumber: &big.Int{},
		Issuer:       f.intermedCert.Subject,
		Subject:      pkix.Name{CommonName: "alloydb-client"},
		NotBefore:    time.Now(),
		NotAfter:     f.certExpiry,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(
		rand.Reader, template, f.intermedCert, pub, f.intermedKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// GeneratePEMCertificateChain signs a client certificate for pub and
// returns the PEM chain (leaf, intermediate) plus the root CA PEM.
func (f FakeInstance) GeneratePEMCertificateChain(pub *rsa.PublicKey) (chain []string, caPEM string, err error) {
	cert, err := f.signClientCert(pub)
	if err != nil {
		return nil, "", err
	}
	return []string{
		toPEM(cert.Raw),
		toPEM(f.intermedCert.Raw),
	}, toPEM(f.rootCACert.Raw), nil
}

func toPEM(der []byte) string {
	buf := &bytes.Buffer{}
	pem.Encode(buf, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	return buf.String()
}
