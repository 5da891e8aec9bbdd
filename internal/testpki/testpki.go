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

// Package testpki provides a minimal root CA for tests, standing in for the
// OpenBao PKI backend.
package testpki

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// RootCA is a self-signed P-256 root used to sign intermediate CSRs in tests.
type RootCA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// NewRootCA generates a self-signed root valid for ten years.
func NewRootCA() (*RootCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &RootCA{Cert: cert, Key: key}, nil
}

// SignCSRPEM signs a PEM-encoded CSR as an intermediate CA certificate with
// the given expiry and returns the certificate as PEM.
func (r *RootCA) SignCSRPEM(csrPEM string, notAfter time.Time) (string, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return "", fmt.Errorf("no PEM block in CSR")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", err
	}
	if err := csr.CheckSignature(); err != nil {
		return "", err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return "", err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             notAfter.Add(-10 * 365 * 24 * time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, r.Cert, csr.PublicKey, r.Key)
	if err != nil {
		return "", err
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

// SelfSignedPEM returns a self-signed certificate with the given validity
// window, for expiry checks.
func (r *RootCA) SelfSignedPEM(commonName string, notBefore, notAfter time.Time) (string, error) {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &r.Key.PublicKey, r.Key)
	if err != nil {
		return "", err
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

// SPKI generates a fresh P-256 key and returns its public key as DER-encoded
// SubjectPublicKeyInfo bytes, the format a kubelet submits in
// spec.pkixPublicKey.
func SPKI() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	return x509.MarshalPKIXPublicKey(&key.PublicKey)
}

// Clock is the subset of clock.PassiveClock the fake backend needs.
type Clock interface {
	Now() time.Time
}

// FakeBackend implements the sign-intermediate operation against an in-memory
// root, counting calls so tests can assert how often the backend was hit.
type FakeBackend struct {
	Root *RootCA

	// Lifetime overrides the requested TTL for the issued intermediate.
	Lifetime time.Duration

	// Clock anchors the issued certificate's expiry. Defaults to wall time.
	Clock Clock

	// Err, when set, fails every call.
	Err error

	// Delay is slept before answering, to widen race windows in
	// concurrency tests.
	Delay time.Duration

	mu    sync.Mutex
	calls int
}

func (f *FakeBackend) SignIntermediate(_ context.Context, csrPEM string, _ string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}

	if f.Err != nil {
		return "", f.Err
	}

	lifetime := f.Lifetime
	if lifetime == 0 {
		lifetime = ttl
	}

	now := time.Now()
	if f.Clock != nil {
		now = f.Clock.Now()
	}

	return f.Root.SignCSRPEM(csrPEM, now.Add(lifetime))
}

// Calls returns how many sign-intermediate calls were made.
func (f *FakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}
