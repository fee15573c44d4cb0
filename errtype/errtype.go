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

// Package errtype provides a number of concrete types which are used by the
// connector. Callers may distinguish failure categories with errors.As.
package errtype

import "fmt"

type genericError struct {
	Message  string
	ConnName string
}

func (e *genericError) Error() string {
	return fmt.Sprintf("%v (connection name = %q)", e.Message, e.ConnName)
}

// NewConfigError initializes a ConfigError.
func NewConfigError(msg, cn string) *ConfigError {
	return &ConfigError{
		genericError: &genericError{
			Message:  "Config error: " + msg,
			ConnName: cn,
		},
	}
}

// ConfigError represents an incorrect request by the user. Config errors
// usually indicate a semantic error (e.g., the instance URI is malformed, the
// combination of options is invalid, etc.). Config errors are not retryable:
// the configuration must change first.
type ConfigError struct{ *genericError }

// NewTokenError initializes a TokenError.
func NewTokenError(err error) *TokenError {
	return &TokenError{err: err}
}

// TokenError occurs when the configured token source fails to produce an
// OAuth2 token. The token's contents never appear in the message.
type TokenError struct {
	err error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("IAM authentication token error: %v", e.err)
}

func (e *TokenError) Unwrap() error { return e.err }

// NewRefreshError initializes a RefreshError.
func NewRefreshError(msg, cn string, err error) *RefreshError {
	return &RefreshError{
		genericError: &genericError{Message: msg, ConnName: cn},
		Err:          err,
	}
}

// RefreshError means that an error occurred while retrieving the information
// needed to make a connection: resolving the instance's endpoint or minting
// an ephemeral certificate. This covers Admin API failures (check
// permissions), instances without a reachable address (check instance
// state), and malformed certificate material (usually transient).
type RefreshError struct {
	*genericError
	// Err is the underlying error, if any.
	Err error
}

func (e *RefreshError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("Refresh error: %v", e.genericError)
	}
	return fmt.Sprintf("Refresh error: %v: %v", e.genericError, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// NewDialError initializes a DialError.
func NewDialError(msg, cn string, err error) *DialError {
	return &DialError{
		genericError: &genericError{Message: msg, ConnName: cn},
		Err:          err,
	}
}

// DialError represents a problem establishing the transport to the server
// side proxy: the TCP dial itself or the subsequent TLS handshake.
type DialError struct {
	*genericError
	// Err is the underlying error, if any.
	Err error
}

func (e *DialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("Dial error: %v", e.genericError)
	}
	return fmt.Sprintf("Dial error: %v: %v", e.genericError, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// NewMetadataExchangeError initializes a MetadataExchangeError for a frame or
// protocol level failure.
func NewMetadataExchangeError(msg, cn string, err error) *MetadataExchangeError {
	return &MetadataExchangeError{
		genericError: &genericError{Message: msg, ConnName: cn},
		Err:          err,
	}
}

// NewMetadataExchangeRejection initializes a MetadataExchangeError for a
// request the server refused. The server's message is preserved verbatim in
// ServerMessage.
func NewMetadataExchangeRejection(serverMsg, cn string) *MetadataExchangeError {
	return &MetadataExchangeError{
		genericError:  &genericError{Message: "metadata exchange rejected", ConnName: cn},
		ServerMessage: serverMsg,
		rejected:      true,
	}
}

// MetadataExchangeError means the metadata exchange over the established TLS
// channel did not complete. A rejection carries the server's error message;
// anything else (oversize frame, truncated frame, unknown response code)
// indicates version skew between client and server.
type MetadataExchangeError struct {
	*genericError
	// ServerMessage holds the error string the server returned, when the
	// server rejected the exchange.
	ServerMessage string
	// Err is the underlying error, if any.
	Err      error
	rejected bool
}

// Rejected reports whether the server refused the exchange (as opposed to a
// protocol level failure).
func (e *MetadataExchangeError) Rejected() bool { return e.rejected }

func (e *MetadataExchangeError) Error() string {
	if e.rejected {
		return fmt.Sprintf("Metadata exchange error: %v: %v", e.genericError, e.ServerMessage)
	}
	if e.Err == nil {
		return fmt.Sprintf("Metadata exchange error: %v", e.genericError)
	}
	return fmt.Sprintf("Metadata exchange error: %v: %v", e.genericError, e.Err)
}

func (e *MetadataExchangeError) Unwrap() error { return e.Err }
