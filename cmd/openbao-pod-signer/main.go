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

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	certsv1alpha1 "k8s.io/api/certificates/v1alpha1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/openbao-pki/pod-certificate-signer/controllers"
	"github.com/openbao-pki/pod-certificate-signer/internal/bao"
	"github.com/openbao-pki/pod-certificate-signer/internal/config"
	"github.com/openbao-pki/pod-certificate-signer/internal/kubeutil"
	"github.com/openbao-pki/pod-certificate-signer/signer"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"
)

// This value is replaced during the build process.
var Version = "v0.0.0"

const fieldOwner = "signer.openbao.org"

func main() {
	opts := ctrlzap.Options{}
	opts.BindFlags(flag.CommandLine)

	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var concurrency int

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.IntVar(&concurrency, "concurrency", 2, "The maximum number of concurrent reconciliations.")

	flag.Parse()

	opts.StacktraceLevel = zapcore.DPanicLevel
	logr := ctrlzap.New(ctrlzap.UseFlagOptions(&opts)).WithName("openbao-pod-signer")

	// client-go traces its HTTP requests at klog levels 6-8. Our binary does
	// not use klog flags, so map the zap level onto klog to keep -v usable.
	atomlvl, ok := opts.Level.(zap.AtomicLevel)
	if ok {
		zaplvl := atomlvl.Level()
		kloglvl := 0
		if zaplvl < 0 {
			kloglvl = -int(zaplvl)
		}
		dummy := flag.FlagSet{}
		klog.InitFlags(&dummy)

		// No way those can fail, so let's just ignore the errors.
		_ = dummy.Set("v", strconv.Itoa(kloglvl))
		_ = dummy.Parse(nil)
	}

	klog.SetLogger(logr)
	ctrl.SetLogger(logr)

	if err := run(metricsAddr, probeAddr, enableLeaderElection, concurrency); err != nil {
		logr.Error(err, "error running manager")
		os.Exit(1)
	}
}

func run(
	metricsAddr string,
	probeAddr string,
	enableLeaderElection bool,
	concurrency int,
) error {
	setupLog := ctrl.Log.WithName("setup")

	setupLog.Info("starting openbao-pod-signer", "version", Version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	baoClient, err := bao.NewClient(bao.Config{
		Address: cfg.BaoAddress,
		Token:   cfg.BaoToken,
		Mount:   cfg.BaoMount,
	})
	if err != nil {
		return fmt.Errorf("building OpenBao client: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determining host identifier: %w", err)
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(certsv1alpha1.AddToScheme(scheme))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: server.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "signer.openbao.org",
	})
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	// A line on stdin forces a reconciliation of all known requests.
	setupLog.Info("press <enter> to force a reconciliation of all objects")
	resync := make(chan event.GenericEvent)
	go kubeutil.NotifyLines(os.Stdin, resync, &certsv1alpha1.PodCertificateRequest{})

	reconciler := &controllers.PodCertificateRequestReconciler{
		Client:                  mgr.GetClient(),
		CA:                      signer.NewIntermediateCA(baoClient, hostname),
		SignerName:              cfg.SignerName,
		FieldOwner:              fieldOwner,
		MaxConcurrentReconciles: concurrency,
	}
	if err := reconciler.SetupWithManager(mgr, resync); err != nil {
		return fmt.Errorf("unable to create controller: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}

	return nil
}
