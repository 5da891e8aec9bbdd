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

package kubeutil

import (
	"bufio"
	"io"

	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
)

// NotifyLines emits one GenericEvent carrying obj on ch for every line read
// from r, dropping triggers when nobody is draining the channel. It returns
// when r reaches end-of-file; a closed input stops triggering but does not
// stop the controller.
//
// Wired to os.Stdin, this lets an operator force a full resync by pressing
// enter.
func NotifyLines(r io.Reader, ch chan<- event.GenericEvent, obj client.Object) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case ch <- event.GenericEvent{Object: obj}:
		default:
		}
	}
}
