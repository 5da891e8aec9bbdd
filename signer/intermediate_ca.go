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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	certsv1alpha1 "k8s.io/api/certificates/v1alpha1"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// IntermediateTTL is the lifetime requested for the intermediate CA
// certificate from the upstream PKI backend.
const IntermediateTTL = 168 * time.Hour

// IntermediateSigner is the single operation consumed from the upstream PKI
// backend: signing an intermediate CA certificate from a PEM-encoded CSR.
// It returns the signed certificate as PEM.
type IntermediateSigner interface {
	SignIntermediate(ctx context.Context, csrPEM string, commonName string, ttl time.Duration) (string, error)
}

// CACertificate is the in-memory intermediate CA material. Values are
// immutable once installed; renewal replaces the whole value.
type CACertificate struct {
	CertificatePEM string
	PrivateKey     *ecdsa.PrivateKey
}

// Expired reports whether the CA certificate has expired at the given
// instant. An unparseable certificate counts as expired.
func (c *CACertificate) Expired(now time.Time) bool {
	return IsExpiredPEM(c.CertificatePEM, now)
}

// IntermediateCA manages a single in-memory intermediate CA backed by an
// OpenBao root CA. It performs no work at construction; the CA is issued when
// the first leaf certificate is requested. An expired CA is re-issued the same
// way, with a fresh key pair.
//
// Reads proceed concurrently, at most one issuance is in flight at a time, and
// no signing read observes the CA mid-replacement.
type IntermediateCA struct {
	backend    IntermediateSigner
	commonName string
	leaf       Leaf
	clock      clock.PassiveClock

	mu sync.RWMutex
	ca *CACertificate
}

// NewIntermediateCA returns a manager that issues its CA through backend,
// using commonName as the subject of the intermediate's CSR (typically the
// local host identifier).
func NewIntermediateCA(backend IntermediateSigner, commonName string) *IntermediateCA {
	return &IntermediateCA{
		backend:    backend,
		commonName: commonName,
		clock:      clock.RealClock{},
	}
}

// WithClock replaces the clock used for expiry checks and leaf validity.
// Intended for tests.
func (i *IntermediateCA) WithClock(c clock.PassiveClock) *IntermediateCA {
	i.clock = c
	i.leaf.Clock = c
	return i
}

// Current returns the CA as currently installed, or nil if the CA has not
// been bootstrapped yet. The returned value may be expired; use EnsureValid
// to obtain a CA that is safe to sign with.
func (i *IntermediateCA) Current() *CACertificate {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.ca
}

// EnsureValid returns a non-expired CA, bootstrapping or renewing it first if
// necessary. Concurrent callers that all observe a missing or expired CA
// result in exactly one backend call; the double-check after acquiring the
// write lock is what closes that race.
func (i *IntermediateCA) EnsureValid(ctx context.Context) (*CACertificate, error) {
	i.mu.RLock()
	ca := i.ca
	i.mu.RUnlock()

	if ca != nil && !ca.Expired(i.clock.Now()) {
		return ca, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	// Another caller may have issued the CA while we waited for the lock.
	if i.ca != nil && !i.ca.Expired(i.clock.Now()) {
		return i.ca, nil
	}

	logger := log.FromContext(ctx)
	if i.ca == nil {
		logger.Info("issuing intermediate CA certificate")
	} else {
		logger.Info("intermediate CA certificate expired, renewing")
	}

	ca, err := i.issue(ctx)
	if err != nil {
		return nil, err
	}

	i.ca = ca
	logger.Info("intermediate CA certificate issued from OpenBao")

	return ca, nil
}

// SignFor issues a leaf certificate for a PodCertificateRequest, making sure
// a valid CA is available first. The leaf subject is
// system:pod:<namespace>:<pod name>.
func (i *IntermediateCA) SignFor(ctx context.Context, pcr *certsv1alpha1.PodCertificateRequest) (*x509.Certificate, error) {
	ca, err := i.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	namespace := pcr.Namespace
	if namespace == "" {
		namespace = "default"
	}
	commonName := fmt.Sprintf("system:pod:%s:%s", namespace, pcr.Spec.PodName)

	return i.leaf.Sign(pcr.Spec.PKIXPublicKey, ca.CertificatePEM, ca.PrivateKey, commonName)
}

// issue performs one bootstrap or renewal: fresh P-256 key pair, CSR with the
// configured common name, sign-intermediate call against the backend. The
// returned certificate is parsed before installation so an installed CA PEM is
// always well-formed. Must be called with the write lock held.
func (i *IntermediateCA) issue(ctx context.Context) (*CACertificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, CSRCreateError{Err: fmt.Errorf("generating CA key pair: %w", err)}
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: i.commonName},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, key)
	if err != nil {
		return nil, CSRCreateError{Err: fmt.Errorf("serializing CSR: %w", err)}
	}

	csrPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: csrDER,
	}))

	certPEM, err := i.backend.SignIntermediate(ctx, csrPEM, i.commonName, IntermediateTTL)
	if err != nil {
		return nil, BaoRequestError{Err: err}
	}

	if _, err := ParseCertificate([]byte(certPEM)); err != nil {
		return nil, err
	}

	return &CACertificate{
		CertificatePEM: certPEM,
		PrivateKey:     key,
	}, nil
}
