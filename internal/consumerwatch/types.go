// Package consumerwatch subscribes to the external port registry CRD and
// keeps the shared Registry's consumer table coherent with it, per
// spec.md §4.4.
package consumerwatch

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupVersionResource identifies the CardanoNodePort CRD watched by this
// package, per spec.md §6's "Registry of ports" contract.
var GroupVersionResource = schema.GroupVersionResource{
	Group:    "demeter.run",
	Version:  "v1alpha1",
	Resource: "cardanonodeports",
}

// CardanoNodePortSpec is the operator-authored half of a port record.
type CardanoNodePortSpec struct {
	Network  string `json:"network"`
	Version  string `json:"version"`
	TierName string `json:"tierName"`
}

// CardanoNodePortStatus is populated by the operator once the port has been
// provisioned; it is absent (nil on the parent) until then.
type CardanoNodePortStatus struct {
	AuthToken             string `json:"authToken,omitempty"`
	AuthenticatedEndpoint string `json:"authenticatedEndpoint,omitempty"`
}

// CardanoNodePort is the CRD record the Consumer Watcher consumes, per
// spec.md §6.
type CardanoNodePort struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CardanoNodePortSpec    `json:"spec"`
	Status *CardanoNodePortStatus `json:"status,omitempty"`
}

// DeepCopyObject satisfies runtime.Object so CardanoNodePort can flow
// through the dynamic client's unstructured conversion helpers.
func (p *CardanoNodePort) DeepCopyObject() runtime.Object {
	if p == nil {
		return nil
	}
	out := *p
	out.Spec = p.Spec
	if p.Status != nil {
		status := *p.Status
		out.Status = &status
	}
	return &out
}

// CardanoNodePortList is the List counterpart required to satisfy
// runtime.Object for list operations.
type CardanoNodePortList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []CardanoNodePort `json:"items"`
}

// DeepCopyObject satisfies runtime.Object.
func (l *CardanoNodePortList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	out := *l
	out.Items = make([]CardanoNodePort, len(l.Items))
	for i, item := range l.Items {
		out.Items[i] = *item.DeepCopyObject().(*CardanoNodePort)
	}
	return &out
}
