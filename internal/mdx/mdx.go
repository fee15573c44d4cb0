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

// Package mdx implements the binary encoding of the two metadata exchange
// messages the server side proxy speaks before the database protocol takes
// over. The encoding is the standard tag-wire format. Only these two
// messages exist; a protobuf runtime is deliberately not used.
package mdx

import "errors"

// ErrMalformed is returned when a message cannot be decoded: the input is
// truncated, a varint overflows, or a field uses a wire type the format does
// not define.
var ErrMalformed = errors.New("mdx: malformed message")

// AuthType declares how the client intends to authenticate to the database
// once the exchange completes.
type AuthType int32

const (
	// AuthTypeUnspecified is the zero value and never sent by this client.
	AuthTypeUnspecified AuthType = 0
	// AuthTypeDBNative indicates built-in database user authentication.
	AuthTypeDBNative AuthType = 1
	// AuthTypeAutoIAM indicates automatic IAM authentication using the
	// OAuth2 token carried in the request.
	AuthTypeAutoIAM AuthType = 2
)

// ResponseCode reports the server's verdict on the exchange.
type ResponseCode int32

const (
	// ResponseUnspecified means the server did not set a response code.
	ResponseUnspecified ResponseCode = 0
	// ResponseOK means the channel is ready for the database protocol.
	ResponseOK ResponseCode = 1
	// ResponseError means the server refused the connection.
	ResponseError ResponseCode = 2
)

// Wire types of the tag-wire format. Types 1 and 5 never occur in these two
// messages but must be skippable on decode.
const (
	wireVarint = 0
	wireI64    = 1
	wireBytes  = 2
	wireI32    = 5
)

// MetadataExchangeRequest is the message the client sends immediately after
// the TLS handshake.
type MetadataExchangeRequest struct {
	// UserAgent identifies the client and its version. Field 1.
	UserAgent string
	// AuthType declares the authentication mode. Field 2.
	AuthType AuthType
	// OAuth2Token is the IAM principal's bearer token. Set only for
	// AuthTypeAutoIAM. Field 3.
	OAuth2Token string
}

// MetadataExchangeResponse is the server's reply.
type MetadataExchangeResponse struct {
	// ResponseCode is the server's verdict. Field 1.
	ResponseCode ResponseCode
	// Error holds the server's message when ResponseCode is ResponseError.
	// Field 2.
	Error string
}

// Marshal encodes the request. String fields are omitted when empty; the
// auth type is always written so the server never has to guess the mode.
func (m *MetadataExchangeRequest) Marshal() []byte {
	b := make([]byte, 0, 16+len(m.UserAgent)+len(m.OAuth2Token))
	b = appendStringField(b, 1, m.UserAgent)
	b = appendTag(b, 2, wireVarint)
	b = appendUvarint(b, uint64(uint32(m.AuthType)))
	b = appendStringField(b, 3, m.OAuth2Token)
	return b
}

// Marshal encodes the response. The response code is always written; the
// error string is omitted when empty.
func (m *MetadataExchangeResponse) Marshal() []byte {
	b := make([]byte, 0, 4+len(m.Error))
	b = appendTag(b, 1, wireVarint)
	b = appendUvarint(b, uint64(uint32(m.ResponseCode)))
	b = appendStringField(b, 2, m.Error)
	return b
}

// UnmarshalRequest decodes a request message. Unknown fields are skipped;
// when a field repeats, the last value wins.
func UnmarshalRequest(b []byte) (*MetadataExchangeRequest, error) {
	var m MetadataExchangeRequest
	err := walkFields(b, func(field int, wire int, v uint64, s []byte) {
		switch {
		case field == 1 && wire == wireBytes:
			m.UserAgent = string(s)
		case field == 2 && wire == wireVarint:
			m.AuthType = AuthType(int32(v))
		case field == 3 && wire == wireBytes:
			m.OAuth2Token = string(s)
		}
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UnmarshalResponse decodes a response message. A missing response code
// decodes as ResponseUnspecified.
func UnmarshalResponse(b []byte) (*MetadataExchangeResponse, error) {
	var m MetadataExchangeResponse
	err := walkFields(b, func(field int, wire int, v uint64, s []byte) {
		switch {
		case field == 1 && wire == wireVarint:
			m.ResponseCode = ResponseCode(int32(v))
		case field == 2 && wire == wireBytes:
			m.Error = string(s)
		}
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// walkFields iterates all fields in b, invoking emit for each varint or
// length-delimited field with its value. Fixed width fields are skipped.
func walkFields(b []byte, emit func(field, wire int, v uint64, s []byte)) error {
	i := 0
	for i < len(b) {
		tag, n := readUvarint(b[i:])
		if n <= 0 {
			return ErrMalformed
		}
		i += n
		field := int(tag >> 3)
		wire := int(tag & 7)
		switch wire {
		case wireVarint:
			v, n := readUvarint(b[i:])
			if n <= 0 {
				return ErrMalformed
			}
			i += n
			emit(field, wire, v, nil)
		case wireBytes:
			length, n := readUvarint(b[i:])
			if n <= 0 {
				return ErrMalformed
			}
			i += n
			if length > uint64(len(b)-i) {
				return ErrMalformed
			}
			emit(field, wire, 0, b[i:i+int(length)])
			i += int(length)
		case wireI64:
			if len(b)-i < 8 {
				return ErrMalformed
			}
			i += 8
		case wireI32:
			if len(b)-i < 4 {
				return ErrMalformed
			}
			i += 4
		default:
			return ErrMalformed
		}
	}
	return nil
}

func appendTag(b []byte, field, wire int) []byte {
	return appendUvarint(b, uint64(field)<<3|uint64(wire))
}

func appendStringField(b []byte, field int, s string) []byte {
	if s == "" {
		return b
	}
	b = appendTag(b, field, wireBytes)
	b = appendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendUvarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// readUvarint decodes an unsigned varint from the front of b. It returns the
// value and the number of bytes read, or n <= 0 when b is truncated or the
// varint exceeds 64 bits.
func readUvarint(b []byte) (uint64, int) {
	var v uint64
	for n := 0; n < len(b); n++ {
		c := b[n]
		if n == 9 && c > 1 {
			return 0, -1 // overflows uint64
		}
		v |= uint64(c&0x7f) << uint(7*n)
		if c < 0x80 {
			return v, n + 1
		}
	}
	return 0, 0
}
