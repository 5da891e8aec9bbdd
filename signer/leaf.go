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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"time"

	"k8s.io/utils/clock"
)

// LeafValidity is the validity window of every issued leaf certificate,
// independent of the requester's expiration budget.
const LeafValidity = 24 * time.Hour

// fallbackCommonName is substituted when a leaf is requested with an empty
// common name.
const fallbackCommonName = "pod-certificate"

// Leaf builds and signs short-lived leaf certificates. It holds no state and
// performs no network access; Rand and Clock exist so tests can pin the serial
// number and the validity window.
type Leaf struct {
	// Rand is the source for serial number generation.
	// Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Clock determines the start of the validity window.
	Clock clock.PassiveClock
}

// Sign issues a leaf certificate for the requester's public key, signed by the
// supplied CA.
//
// The public key must be DER-encoded SubjectPublicKeyInfo bytes and the CA key
// must be an ECDSA P-256 key. The leaf carries only the digitalSignature key
// usage; key agreement and key encipherment are not asserted.
func (l Leaf) Sign(spkiDER []byte, caCertPEM string, caKey crypto.Signer, commonName string) (*x509.Certificate, error) {
	requesterKey, err := ParsePublicKey(spkiDER)
	if err != nil {
		return nil, err
	}

	caCert, err := ParseCertificate([]byte(caCertPEM))
	if err != nil {
		return nil, err
	}

	if commonName == "" {
		commonName = fallbackCommonName
	}

	serial, err := l.newSerialNumber()
	if err != nil {
		return nil, SigningError{Err: fmt.Errorf("serial number generation failed: %w", err)}
	}

	ecKey, ok := caKey.(*ecdsa.PrivateKey)
	if !ok || ecKey.Curve != elliptic.P256() {
		return nil, SigningError{Err: ErrUnsupportedKeyType}
	}

	now := l.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.Add(LeafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, requesterKey, ecKey)
	if err != nil {
		return nil, SigningError{Err: err}
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, CodecError{Err: err}
	}

	return cert, nil
}

// newSerialNumber draws 8 bytes of randomness and interprets them as an
// unsigned 64-bit integer.
func (l Leaf) newSerialNumber() (*big.Int, error) {
	reader := l.Rand
	if reader == nil {
		reader = rand.Reader
	}

	var buf [8]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return nil, err
	}

	return new(big.Int).SetUint64(binary.BigEndian.Uint64(buf[:])), nil
}

func (l Leaf) now() time.Time {
	if l.Clock != nil {
		return l.Clock.Now()
	}

	return time.Now()
}
