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

package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	certsv1alpha1 "k8s.io/api/certificates/v1alpha1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	"github.com/openbao-pki/pod-certificate-signer/conditions"
	"github.com/openbao-pki/pod-certificate-signer/signer"
)

const (
	// fulfilledRequeueInterval is how long to wait before revisiting a
	// request that already carries a certificate chain.
	fulfilledRequeueInterval = 300 * time.Second

	// errorRetryDelay is the fixed delay between retries of a failed
	// reconciliation. Retries continue indefinitely.
	errorRetryDelay = 5 * time.Second

	// refreshLeadTime is subtracted from the requester's expiration budget to
	// compute beginRefreshAt: refresh starts one hour before the requested
	// max lifetime elapses.
	refreshLeadTime = time.Hour

	// defaultMaxExpirationSeconds matches the API server default for
	// spec.maxExpirationSeconds.
	defaultMaxExpirationSeconds = int32(86400)

	defaultMaxConcurrentReconciles = 2
)

// PodCertificateRequestReconciler fulfills PodCertificateRequest objects by
// signing leaf certificates with the intermediate CA and patching the result
// into the request's status.
type PodCertificateRequestReconciler struct {
	// Client is a controller-runtime client used to get and patch
	// PodCertificateRequest resources.
	client.Client

	// CA serves signing requests, bootstrapping the intermediate CA on first
	// use.
	CA *signer.IntermediateCA

	// SignerName, when non-empty, restricts reconciliation to requests whose
	// spec.signerName matches. Empty reconciles all requests.
	SignerName string

	// FieldOwner is the field manager name used for status patches.
	FieldOwner string

	// MaxConcurrentReconciles bounds the number of reconciliations running in
	// parallel, and with it the load on OpenBao and the API server.
	MaxConcurrentReconciles int

	// Clock is used to compute refresh timestamps and condition transition
	// times. Mocked in tests.
	Clock clock.PassiveClock
}

// +kubebuilder:rbac:groups=certificates.k8s.io,resources=podcertificaterequests,verbs=get;list;watch
// +kubebuilder:rbac:groups=certificates.k8s.io,resources=podcertificaterequests/status,verbs=patch

func (r *PodCertificateRequestReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithName("Reconcile")

	logger.V(2).Info("Starting reconcile loop", "name", req.Name, "namespace", req.Namespace)

	result, err := r.reconcile(logger, ctx, req)
	if err != nil {
		// Log the full cause chain before handing the error to
		// controller-runtime; the workqueue rate limiter retries after a
		// fixed delay.
		logger.Error(err, "Reconciliation failed", "name", req.Name, "namespace", req.Namespace)
		for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
			logger.V(1).Info("caused by", "error", cause.Error())
		}
	}

	return result, err
}

// reconcile runs one reconciliation cycle for a single request. It is split
// out from Reconcile to allow for easier testing.
func (r *PodCertificateRequestReconciler) reconcile(
	logger logr.Logger,
	ctx context.Context,
	req ctrl.Request,
) (ctrl.Result, error) {
	var pcr certsv1alpha1.PodCertificateRequest

	if err := r.Client.Get(ctx, req.NamespacedName, &pcr); err != nil && apierrors.IsNotFound(err) {
		logger.V(1).Info("Request not found. Ignoring.")
		return ctrl.Result{}, nil
	} else if err != nil {
		return ctrl.Result{}, fmt.Errorf("unexpected get error: %w", err)
	}

	if r.SignerName != "" && pcr.Spec.SignerName != r.SignerName {
		logger.V(1).Info("Request addressed to a foreign signer. Ignoring.", "signerName", pcr.Spec.SignerName)
		return ctrl.Result{}, nil
	}

	// Once a certificate chain is set the request is never re-signed.
	if pcr.Status.CertificateChain != "" {
		logger.V(1).Info("Certificate already issued. Ignoring.")
		return ctrl.Result{RequeueAfter: fulfilledRequeueInterval}, nil
	}

	if pcr.Namespace == "" {
		return ctrl.Result{}, MissingObjectKeyError{Key: ".metadata.namespace"}
	}

	logger.Info("Issuing certificate", "pod", pcr.Spec.PodName, "podUID", pcr.Spec.PodUID)

	cert, err := r.CA.SignFor(ctx, &pcr)
	if err != nil {
		return ctrl.Result{}, err
	}

	chainPEM, err := signer.EncodePEM(cert)
	if err != nil {
		return ctrl.Result{}, err
	}

	maxExpiration := defaultMaxExpirationSeconds
	if pcr.Spec.MaxExpirationSeconds != nil {
		maxExpiration = *pcr.Spec.MaxExpirationSeconds
	}
	beginRefreshAt := r.Clock.Now().Add(time.Duration(maxExpiration)*time.Second - refreshLeadTime)

	// The patch is constructed fully before being sent; a failed signing
	// never leaves a partial status behind.
	original := pcr.DeepCopy()
	pcr.Status.CertificateChain = chainPEM
	pcr.Status.NotBefore = ptr.To(metav1.NewTime(cert.NotBefore))
	pcr.Status.NotAfter = ptr.To(metav1.NewTime(cert.NotAfter))
	pcr.Status.BeginRefreshAt = ptr.To(metav1.NewTime(beginRefreshAt))
	conditions.SetPodCertificateRequestCondition(
		r.Clock,
		original.Status.Conditions,
		&pcr.Status.Conditions,
		conditions.ConditionTypeIssued,
		metav1.ConditionTrue,
		conditions.ReasonCertificateIssued,
		conditions.MessageCertificateIssued,
	)

	if err := r.Client.Status().Patch(ctx, &pcr, client.MergeFrom(original), &client.SubResourcePatchOptions{
		PatchOptions: client.PatchOptions{
			FieldManager: r.FieldOwner,
		},
	}); err != nil {
		return ctrl.Result{}, PatchError{Err: err}
	}

	logger.Info("Successfully issued certificate", "pod", pcr.Spec.PodName, "podUID", pcr.Spec.PodUID)

	return ctrl.Result{RequeueAfter: fulfilledRequeueInterval}, nil
}

// enqueueAll maps a manual resync trigger to one reconcile request per known
// PodCertificateRequest.
func (r *PodCertificateRequestReconciler) enqueueAll(ctx context.Context, _ client.Object) []reconcile.Request {
	var list certsv1alpha1.PodCertificateRequestList
	if err := r.Client.List(ctx, &list); err != nil {
		log.FromContext(ctx).Error(err, "Failed to list PodCertificateRequests for resync")
		return nil
	}

	requests := make([]reconcile.Request, 0, len(list.Items))
	for i := range list.Items {
		requests = append(requests, reconcile.Request{
			NamespacedName: client.ObjectKeyFromObject(&list.Items[i]),
		})
	}

	return requests
}

// SetupWithManager sets up the controller with the Manager. Events received
// on resync force a reconciliation of all known requests.
func (r *PodCertificateRequestReconciler) SetupWithManager(
	mgr ctrl.Manager,
	resync <-chan event.GenericEvent,
) error {
	if r.Clock == nil {
		r.Clock = clock.RealClock{}
	}
	if r.MaxConcurrentReconciles == 0 {
		r.MaxConcurrentReconciles = defaultMaxConcurrentReconciles
	}

	return ctrl.
		NewControllerManagedBy(mgr).
		For(
			&certsv1alpha1.PodCertificateRequest{},
			builder.WithPredicates(predicate.ResourceVersionChangedPredicate{}),
		).
		WatchesRawSource(source.Channel(resync, handler.EnqueueRequestsFromMapFunc(r.enqueueAll))).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: r.MaxConcurrentReconciles,
			// Base and max delay coincide: every failed request is retried
			// after a constant five seconds, without a retry limit.
			RateLimiter: workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](errorRetryDelay, errorRetryDelay),
		}).
		Complete(r)
}
