/*
Copyright 2025 The pod-certificate-signer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signer

import (
	"errors"
	"fmt"
)

// ErrUnsupportedKeyType is wrapped by a SigningError when the CA key pair is
// not an ECDSA P-256 key.
var ErrUnsupportedKeyType = errors.New("unsupported key type, expected ECDSA P-256")

// BaoRequestError is returned when a call to the OpenBao PKI secrets engine
// fails. The wrapped error carries the backend's response.
type BaoRequestError struct {
	Err error
}

var _ error = BaoRequestError{}

func (e BaoRequestError) Unwrap() error {
	return e.Err
}

func (e BaoRequestError) Error() string {
	return fmt.Sprintf("openbao request failed: %s", e.Err)
}

// CSRCreateError is returned when generating the CA key pair or serializing
// the certificate signing request fails.
type CSRCreateError struct {
	Err error
}

var _ error = CSRCreateError{}

func (e CSRCreateError) Unwrap() error {
	return e.Err
}

func (e CSRCreateError) Error() string {
	return fmt.Sprintf("CSR creation failed: %s", e.Err)
}

// CodecError is returned when PEM or DER encoding or decoding of certificate
// or key material fails.
type CodecError struct {
	Err error
}

var _ error = CodecError{}

func (e CodecError) Unwrap() error {
	return e.Err
}

func (e CodecError) Error() string {
	return fmt.Sprintf("certificate codec failed: %s", e.Err)
}

// SigningError is returned when building or signing a leaf certificate fails.
type SigningError struct {
	Err error
}

var _ error = SigningError{}

func (e SigningError) Unwrap() error {
	return e.Err
}

func (e SigningError) Error() string {
	return fmt.Sprintf("failed to sign certificate: %s", e.Err)
}
