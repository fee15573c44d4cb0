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

// Package alloydb holds the ephemeral credential material used to establish
// an mTLS connection to an instance's server side proxy.
package alloydb

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/GoogleCloudPlatform/alloydb-connect-go/errtype"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/instance"
)

// keyBits is the RSA modulus size of every generated keypair.
const keyBits = 2048

var errInvalidPEM = errors.New("certificate is not a valid PEM")

// GenerateKey returns a fresh RSA keypair. A new keypair is minted for every
// connection attempt; its lifetime ends when the TLS handshake completes.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, keyBits)
}

// PublicKeyPEM encodes the public half of key in SubjectPublicKeyInfo form.
// This is the format the Admin API's generateClientCertificate method
// accepts; the connector does not sign a CSR.
func PublicKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func parseCert(cert string) (*x509.Certificate, error) {
	b, _ := pem.Decode([]byte(cert))
	if b == nil {
		return nil, errInvalidPEM
	}
	return x509.ParseCertificate(b.Bytes)
}

// Credentials is the parsed ephemeral material returned by the Admin API:
// the client certificate chain bound to a private key, and the CA that
// signs the server's certificate.
type Credentials struct {
	key           *rsa.PrivateKey
	leaf          *x509.Certificate
	intermediates []*x509.Certificate
	rootCA        *x509.Certificate
}

// NewCredentials parses and validates the PEM material returned by the
// generateClientCertificate method. The chain must be non-empty and ordered
// leaf first, the leaf must be bound to key, and the chain must verify
// against the returned CA.
func NewCredentials(
	inst instance.URI,
	key *rsa.PrivateKey,
	pemChain []string,
	caPEM string,
) (Credentials, error) {
	if len(pemChain) == 0 {
		return Credentials{}, errtype.NewRefreshError(
			"certificate chain was empty", inst.String(), nil,
		)
	}
	rootCA, err := parseCert(caPEM)
	if err != nil {
		return Credentials{}, errtype.NewRefreshError(
			"failed to parse CA certificate", inst.String(), err,
		)
	}
	leaf, err := parseCert(pemChain[0])
	if err != nil {
		return Credentials{}, errtype.NewRefreshError(
			"failed to parse client certificate", inst.String(), err,
		)
	}
	var intermediates []*x509.Certificate
	for _, c := range pemChain[1:] {
		ic, err := parseCert(c)
		if err != nil {
			return Credentials{}, errtype.NewRefreshError(
				"failed to parse intermediate certificate", inst.String(), err,
			)
		}
		intermediates = append(intermediates, ic)
	}

	leafKey, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || !leafKey.Equal(&key.PublicKey) {
		return Credentials{}, errtype.NewRefreshError(
			"certificate does not match the private key", inst.String(), nil,
		)
	}

	c := Credentials{
		key:           key,
		leaf:          leaf,
		intermediates: intermediates,
		rootCA:        rootCA,
	}
	if err := c.verifyChain(); err != nil {
		return Credentials{}, errtype.NewRefreshError(
			"certificate chain failed verification", inst.String(), err,
		)
	}
	return c, nil
}

// verifyChain checks the leaf chains to the CA through any intermediates.
func (c Credentials) verifyChain() error {
	roots := x509.NewCertPool()
	roots.AddCert(c.rootCA)
	inter := x509.NewCertPool()
	for _, ic := range c.intermediates {
		inter.AddCert(ic)
	}
	_, err := c.leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// Expiration returns the leaf certificate's NotAfter.
func (c Credentials) Expiration() time.Time {
	return c.leaf.NotAfter
}

// TLSConfig returns a *tls.Config for connecting securely to the instance's
// server side proxy. The server certificate identifies the instance by UID
// rather than by the dialed address, so hostname verification is skipped;
// the peer chain is instead verified against the CA minted for this
// session.
func (c Credentials) TLSConfig(inst instance.URI, serverName string) *tls.Config {
	roots := x509.NewCertPool()
	roots.AddCert(c.rootCA)
	for _, ic := range c.intermediates {
		roots.AddCert(ic)
	}

	chain := make([][]byte, 0, 1+len(c.intermediates))
	chain = append(chain, c.leaf.Raw)
	for _, ic := range c.intermediates {
		chain = append(chain, ic.Raw)
	}

	return &tls.Config{
		ServerName: serverName,
		Certificates: []tls.Certificate{{
			Certificate: chain,
			PrivateKey:  c.key,
			Leaf:        c.leaf,
		}},
		RootCAs:            roots,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errtype.NewDialError(
					"no certificate to verify", inst.String(), nil,
				)
			}
			peer, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return errtype.NewDialError(
					"failed to parse X.509 certificate", inst.String(), err,
				)
			}
			inter := x509.NewCertPool()
			for _, raw := range rawCerts[1:] {
				ic, err := x509.ParseCertificate(raw)
				if err != nil {
					return errtype.NewDialError(
						"failed to parse X.509 certificate", inst.String(), err,
					)
				}
				inter.AddCert(ic)
			}
			opts := x509.VerifyOptions{
				Roots:         roots,
				Intermediates: inter,
				KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
			}
			if _, err := peer.Verify(opts); err != nil {
				return errtype.NewDialError(
					fmt.Sprintf("failed to verify certificate: %v", err),
					inst.String(), nil,
				)
			}
			return nil
		},
		MinVersion: tls.VersionTLS12,
	}
}
