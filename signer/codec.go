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
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"
)

const pemTypeCertificate = "CERTIFICATE"

// ParseCertificate decodes the first PEM block of pemData and parses it as a
// DER-encoded X.509 certificate.
func ParseCertificate(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, CodecError{Err: fmt.Errorf("no PEM block found")}
	}
	if block.Type != pemTypeCertificate {
		return nil, CodecError{Err: fmt.Errorf("expected a %s PEM block, got %s", pemTypeCertificate, block.Type)}
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, CodecError{Err: err}
	}

	return cert, nil
}

// EncodePEM encodes a certificate as canonical PEM with LF line endings.
func EncodePEM(cert *x509.Certificate) (string, error) {
	if cert == nil || len(cert.Raw) == 0 {
		return "", CodecError{Err: fmt.Errorf("certificate has no raw DER bytes")}
	}

	return string(pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeCertificate,
		Bytes: cert.Raw,
	})), nil
}

// ParsePublicKey interprets spkiDER strictly as a DER-encoded
// SubjectPublicKeyInfo structure. No fallback formats are attempted.
func ParsePublicKey(spkiDER []byte) (crypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(spkiDER)
	if err != nil {
		return nil, CodecError{Err: err}
	}

	return pub, nil
}

// IsExpiredPEM reports whether the PEM-encoded certificate has expired at the
// given instant. Input that does not parse as a certificate is treated as
// expired.
func IsExpiredPEM(pemData string, now time.Time) bool {
	cert, err := ParseCertificate([]byte(pemData))
	if err != nil {
		return true
	}

	return cert.NotAfter.Before(now)
}
