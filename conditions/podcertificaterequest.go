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

package conditions

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"
)

// Condition type and reason used when a certificate has been issued into a
// PodCertificateRequest's status.
const (
	ConditionTypeIssued      = "Issued"
	ReasonCertificateIssued  = "CertificateIssuedSuccessfully"
	MessageCertificateIssued = "Certificate issued successfully"
)

// SetPodCertificateRequestCondition updates patchConditions with the provided
// condition details and returns the added condition. The LastTransitionTime
// is only advanced when the condition's status actually transitions.
func SetPodCertificateRequestCondition(
	clock clock.PassiveClock,
	existingConditions []metav1.Condition,
	patchConditions *[]metav1.Condition,
	conditionType string,
	status metav1.ConditionStatus,
	reason, message string,
) *metav1.Condition {
	newCondition := metav1.Condition{
		Type:    conditionType,
		Status:  status,
		Reason:  reason,
		Message: message,
	}

	newCondition.LastTransitionTime = metav1.NewTime(clock.Now())

	// Reset the LastTransitionTime if the status hasn't changed
	for _, cond := range existingConditions {
		if cond.Type != conditionType {
			continue
		}

		// If this update doesn't contain a state transition, we don't update
		// the conditions LastTransitionTime to Now()
		if cond.Status == status {
			newCondition.LastTransitionTime = cond.LastTransitionTime
		}
	}

	// Search through existing conditions
	for idx, cond := range *patchConditions {
		// Skip unrelated conditions
		if cond.Type != conditionType {
			continue
		}

		// Overwrite the existing condition
		(*patchConditions)[idx] = newCondition

		return &newCondition
	}

	// If we've not found an existing condition of this type, we simply insert
	// the new condition into the slice.
	*patchConditions = append(*patchConditions, newCondition)

	return &newCondition
}

// GetPodCertificateRequestCondition returns the condition with the given type
// or nil if it is not present.
func GetPodCertificateRequestCondition(conditions []metav1.Condition, conditionType string) *metav1.Condition {
	for i := range conditions {
		if conditions[i].Type == conditionType {
			return &conditions[i]
		}
	}

	return nil
}
