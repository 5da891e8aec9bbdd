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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	certsv1alpha1 "k8s.io/api/certificates/v1alpha1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/openbao-pki/pod-certificate-signer/internal/testpki"
)

func testPCR(t *testing.T, namespace, podName string) *certsv1alpha1.PodCertificateRequest {
	t.Helper()

	spki, err := testpki.SPKI()
	require.NoError(t, err)

	return &certsv1alpha1.PodCertificateRequest{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName + "-pcr",
			Namespace: namespace,
		},
		Spec: certsv1alpha1.PodCertificateRequestSpec{
			PodName:       podName,
			PodUID:        "b49b6fbb-d90f-4dc6-a52d-e0a7e69c2e3d",
			PKIXPublicKey: spki,
		},
	}
}

func TestIntermediateCABootstrapsExactlyOnce(t *testing.T) {
	t.Parallel()

	root, err := testpki.NewRootCA()
	require.NoError(t, err)

	backend := &testpki.FakeBackend{Root: root, Delay: 10 * time.Millisecond}
	ca := NewIntermediateCA(backend, "node-1")

	require.Nil(t, ca.Current())

	const callers = 10

	results := make([]*CACertificate, callers)
	group, ctx := errgroup.WithContext(context.Background())
	for i := range callers {
		group.Go(func() error {
			got, err := ca.EnsureValid(ctx)
			results[i] = got
			return err
		})
	}
	require.NoError(t, group.Wait())

	assert.Equal(t, 1, backend.Calls())
	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, results[0].CertificatePEM, got.CertificatePEM)
	}

	current := ca.Current()
	require.NotNil(t, current)
	assert.Equal(t, results[0].CertificatePEM, current.CertificatePEM)
}

func TestIntermediateCASignFor(t *testing.T) {
	t.Parallel()

	root, err := testpki.NewRootCA()
	require.NoError(t, err)

	backend := &testpki.FakeBackend{Root: root}
	ca := NewIntermediateCA(backend, "node-1")

	cert, err := ca.SignFor(context.Background(), testPCR(t, "demo", "worker-1"))
	require.NoError(t, err)

	assert.Equal(t, "CN=system:pod:demo:worker-1", cert.Subject.String())

	intermediate, err := ParseCertificate([]byte(ca.Current().CertificatePEM))
	require.NoError(t, err)
	assert.Equal(t, "CN=node-1", intermediate.Subject.String())
	assert.Equal(t, intermediate.Subject.String(), cert.Issuer.String())
	assert.Equal(t, 24*time.Hour, cert.NotAfter.Sub(cert.NotBefore))

	// The intermediate itself was requested with a 7 day lifetime.
	assert.WithinDuration(t, time.Now().Add(IntermediateTTL), intermediate.NotAfter, time.Minute)

	// A second signing reuses the installed CA.
	_, err = ca.SignFor(context.Background(), testPCR(t, "demo", "worker-2"))
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Calls())
}

func TestIntermediateCASignForDefaultNamespace(t *testing.T) {
	t.Parallel()

	root, err := testpki.NewRootCA()
	require.NoError(t, err)

	ca := NewIntermediateCA(&testpki.FakeBackend{Root: root}, "node-1")

	cert, err := ca.SignFor(context.Background(), testPCR(t, "", "worker-1"))
	require.NoError(t, err)

	assert.Equal(t, "CN=system:pod:default:worker-1", cert.Subject.String())
}

func TestIntermediateCARenewsWhenExpired(t *testing.T) {
	t.Parallel()

	root, err := testpki.NewRootCA()
	require.NoError(t, err)

	fakeClock := clocktesting.NewFakeClock(time.Now())
	backend := &testpki.FakeBackend{Root: root, Lifetime: time.Hour, Clock: fakeClock}
	ca := NewIntermediateCA(backend, "node-1").WithClock(fakeClock)

	first, err := ca.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Calls())

	// Still valid, no new backend call.
	again, err := ca.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Calls())
	assert.Equal(t, first.CertificatePEM, again.CertificatePEM)

	fakeClock.Step(2 * time.Hour)

	renewed, err := ca.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Calls())
	assert.NotEqual(t, first.CertificatePEM, renewed.CertificatePEM)

	// Renewal rotates the key pair as well.
	assert.False(t, first.PrivateKey.Equal(renewed.PrivateKey))
}

func TestIntermediateCABootstrapFailure(t *testing.T) {
	t.Parallel()

	root, err := testpki.NewRootCA()
	require.NoError(t, err)

	backend := &testpki.FakeBackend{Root: root, Err: errors.New("permission denied")}
	ca := NewIntermediateCA(backend, "node-1")

	_, err = ca.EnsureValid(context.Background())
	require.Error(t, err)
	assert.ErrorAs(t, err, &BaoRequestError{})
	assert.Nil(t, ca.Current())

	// A later caller retries the bootstrap and succeeds.
	backend.Err = nil
	got, err := ca.EnsureValid(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, backend.Calls())
}

func TestIntermediateCARefusesExpiredCA(t *testing.T) {
	t.Parallel()

	root, err := testpki.NewRootCA()
	require.NoError(t, err)

	fakeClock := clocktesting.NewFakeClock(time.Now())
	backend := &testpki.FakeBackend{Root: root, Lifetime: time.Hour, Clock: fakeClock}
	ca := NewIntermediateCA(backend, "node-1").WithClock(fakeClock)

	_, err = ca.SignFor(context.Background(), testPCR(t, "demo", "worker-1"))
	require.NoError(t, err)

	fakeClock.Step(2 * time.Hour)
	backend.Err = errors.New("backend down")

	// The expired CA is never used for signing; with renewal failing, the
	// request fails instead.
	_, err = ca.SignFor(context.Background(), testPCR(t, "demo", "worker-2"))
	require.Error(t, err)
	assert.ErrorAs(t, err, &BaoRequestError{})

	// The expired value is still observable, it is just not signed with.
	require.NotNil(t, ca.Current())
	assert.True(t, ca.Current().Expired(fakeClock.Now()))
}
