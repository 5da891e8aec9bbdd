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

// Package bao implements the OpenBao PKI secrets engine client. OpenBao
// serves the HashiCorp Vault HTTP API, so the upstream Vault api module is
// used as-is.
package bao

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// Config carries the connection settings for the OpenBao backend.
type Config struct {
	// Address is the base URL of the OpenBao server.
	Address string

	// Token is the static bearer token. May be empty, in which case requests
	// are sent unauthenticated. Kubernetes auth is not implemented.
	Token string

	// Mount is the path the PKI secrets engine is mounted at.
	Mount string
}

// Client talks to a single PKI secrets engine mount.
type Client struct {
	api   *vaultapi.Client
	mount string
}

// NewClient builds a client for the given backend configuration.
func NewClient(cfg Config) (*Client, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("building OpenBao client: %w", err)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &Client{
		api:   client,
		mount: cfg.Mount,
	}, nil
}

// SignIntermediate submits a PEM-encoded CSR to the PKI engine's
// root/sign-intermediate endpoint and returns the signed certificate PEM.
func (c *Client) SignIntermediate(ctx context.Context, csrPEM string, commonName string, ttl time.Duration) (string, error) {
	secret, err := c.api.Logical().WriteWithContext(ctx, c.mount+"/root/sign-intermediate", map[string]interface{}{
		"csr":         csrPEM,
		"common_name": commonName,
		"ttl":         ttl.String(),
	})
	if err != nil {
		return "", fmt.Errorf("sign-intermediate request: %w", err)
	}

	return certificateFromSecret(secret)
}

func certificateFromSecret(secret *vaultapi.Secret) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("sign-intermediate response contains no data")
	}

	cert, ok := secret.Data["certificate"].(string)
	if !ok || cert == "" {
		return "", fmt.Errorf("sign-intermediate response contains no certificate")
	}

	return cert, nil
}
