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

// Package config assembles the process configuration from the environment
// once at startup. The resulting value is passed into the components that
// need it; nothing reads the environment afterwards.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const defaultMount = "pki"

// Config is the environment-derived configuration of the controller.
type Config struct {
	// BaoAddress is the OpenBao server URL (BAO_ADDR, required).
	BaoAddress string

	// BaoToken is the static bearer token (BAO_TOKEN). Empty means no token
	// is configured; no alternative auth path is implemented.
	BaoToken string

	// BaoMount is the PKI secrets engine mount path (BAO_MOUNT).
	BaoMount string

	// SignerName restricts reconciliation to PodCertificateRequests whose
	// spec.signerName matches (SIGNER_NAME). Empty reconciles all requests.
	SignerName string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("mount", defaultMount)

	// Env names follow the OpenBao CLI conventions.
	for key, env := range map[string]string{
		"addr":        "BAO_ADDR",
		"token":       "BAO_TOKEN",
		"mount":       "BAO_MOUNT",
		"signer_name": "SIGNER_NAME",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	cfg := Config{
		BaoAddress: v.GetString("addr"),
		BaoToken:   v.GetString("token"),
		BaoMount:   v.GetString("mount"),
		SignerName: v.GetString("signer_name"),
	}

	if cfg.BaoAddress == "" {
		return Config{}, fmt.Errorf("BAO_ADDR must be set")
	}

	return cfg, nil
}
