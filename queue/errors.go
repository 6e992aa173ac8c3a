package queue

import (
	"fmt"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

func ErrAlreadyResolved(kpid ids.KRef) error {
	return kerr.New(kerr.InvariantViolation, fmt.Sprintf("queue: %s already resolved", kpid), nil)
}

func ErrNotDecider(kpid ids.KRef, submitter ids.EndpointId) error {
	return kerr.New(kerr.Protocol, fmt.Sprintf("queue: %s is not decider of %s", submitter, kpid),
		map[string]any{"kpid": string(kpid), "submitter": string(submitter)})
}
