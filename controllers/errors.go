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

import "fmt"

// MissingObjectKeyError is returned when a request object lacks a field that
// is required to address it, e.g. its namespace. The request cannot be
// patched without it.
type MissingObjectKeyError struct {
	Key string
}

var _ error = MissingObjectKeyError{}

func (e MissingObjectKeyError) Error() string {
	return fmt.Sprintf("missing object key: %s", e.Key)
}

// PatchError is returned when the status update of a request object is
// rejected by the API server.
type PatchError struct {
	Err error
}

var _ error = PatchError{}

func (e PatchError) Unwrap() error {
	return e.Err
}

func (e PatchError) Error() string {
	return fmt.Sprintf("failed to patch status: %s", e.Err)
}
