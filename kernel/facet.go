package kernel

import (
	"context"

	"github.com/ocapkernel/kernel/config"
	"github.com/ocapkernel/kernel/ids"
)

// Facet is the capability-bearing object lent to system vats so they may
// call back into kernel operations (spec §4.7 "getKernelFacet"). It narrows
// Kernel's surface to the handful of operations a system vat is trusted
// with; a system vat never holds a reference to the Kernel value itself.
type Facet struct {
	k *Kernel
}

func (f Facet) LaunchVat(name string, vc config.VatConfig) (string, error) {
	id, err := f.k.LaunchVat(context.Background(), name, vc)
	return string(id), err
}

func (f Facet) TerminateVat(id string, reason string) error {
	return f.k.TerminateVat(context.Background(), ids.VatId(id), reason)
}

func (f Facet) KVGet(key string) (string, bool, error) {
	return f.k.KVGet(key)
}

func (f Facet) KVSet(key, value string) error {
	return f.k.KVSet(key, value)
}

func (f Facet) GetStatus() Status {
	return f.k.GetStatus()
}
