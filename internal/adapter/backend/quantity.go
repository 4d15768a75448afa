package backend

import (
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// mustQuantity parses a Kubernetes resource quantity literal (e.g.
// "512Mi", "250m"); these are all fixed, compile-time-known constants so a
// parse failure here can only be a coding error.
func mustQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

func intstrFromInt(v int) intstr.IntOrString {
	return intstr.FromInt(v)
}
