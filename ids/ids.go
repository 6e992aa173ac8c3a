// Package ids defines the kernel's typed identifier namespaces.
//
// Three disjoint families of short strings flow through the kernel: per-vat
// and per-remote endpoint ids, kernel-global references (krefs), and
// endpoint-local references (erefs). Keeping them as distinct string types
// rather than bare strings catches cross-namespace mixups at compile time.
package ids

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// VatId identifies a vat: "v<n>".
type VatId string

// RemoteId identifies a remote peer connection: "r<n>".
type RemoteId string

// KernelEndpoint is the distinguished kernel-owned pseudo-endpoint used as
// the decider/owner of kernel-internal objects and promises.
const KernelEndpoint = EndpointId("kernel")

// EndpointId is either a VatId, a RemoteId, or the kernel endpoint.
type EndpointId string

func (v VatId) Endpoint() EndpointId    { return EndpointId(v) }
func (r RemoteId) Endpoint() EndpointId { return EndpointId(r) }

// KRef is a kernel-global reference: "ko<n>" for objects, "kp<n>" for
// promises.
type KRef string

// KRefKind distinguishes object vs. promise krefs.
type KRefKind int

const (
	KindObject KRefKind = iota
	KindPromise
)

func (k KRef) Kind() (KRefKind, error) {
	switch {
	case strings.HasPrefix(string(k), "ko"):
		return KindObject, nil
	case strings.HasPrefix(string(k), "kp"):
		return KindPromise, nil
	default:
		return 0, errors.Errorf("ids: malformed kref %q", k)
	}
}

func (k KRef) IsObject() bool {
	kind, err := k.Kind()
	return err == nil && kind == KindObject
}

func (k KRef) IsPromise() bool {
	kind, err := k.Kind()
	return err == nil && kind == KindPromise
}

func NewKObj(n uint64) KRef { return KRef(fmt.Sprintf("ko%d", n)) }
func NewKProm(n uint64) KRef { return KRef(fmt.Sprintf("kp%d", n)) }

// ERef is an endpoint-local reference: object refs are "o+<n>" (exported by
// this endpoint) or "o-<n>" (imported into this endpoint); promise refs are
// "p+<n>" (decided here) or "p-<n>" (decided elsewhere).
type ERef string

type ERefPolarity int

const (
	PolarityExport ERefPolarity = iota // '+': owned/decided here
	PolarityImport                     // '-': owned/decided elsewhere
)

func (e ERef) Polarity() (ERefPolarity, error) {
	s := string(e)
	if len(s) < 2 {
		return 0, errors.Errorf("ids: malformed eref %q", e)
	}
	switch s[1] {
	case '+':
		return PolarityExport, nil
	case '-':
		return PolarityImport, nil
	default:
		return 0, errors.Errorf("ids: malformed eref %q", e)
	}
}

func (e ERef) IsObject() bool  { return strings.HasPrefix(string(e), "o") }
func (e ERef) IsPromise() bool { return strings.HasPrefix(string(e), "p") }

func newERef(kind byte, polarity ERefPolarity, n uint64) ERef {
	sigil := byte('+')
	if polarity == PolarityImport {
		sigil = '-'
	}
	return ERef(fmt.Sprintf("%c%c%d", kind, sigil, n))
}

func NewExportedObj(n uint64) ERef  { return newERef('o', PolarityExport, n) }
func NewImportedObj(n uint64) ERef  { return newERef('o', PolarityImport, n) }
func NewLocalProm(n uint64) ERef    { return newERef('p', PolarityExport, n) }
func NewRemoteProm(n uint64) ERef   { return newERef('p', PolarityImport, n) }

// Counter parses the numeric suffix shared by all id/ref encodings above.
func Counter(s string, prefixLen int) (uint64, error) {
	if len(s) <= prefixLen {
		return 0, errors.Errorf("ids: %q too short for prefix length %d", s, prefixLen)
	}
	return strconv.ParseUint(s[prefixLen:], 10, 64)
}

func NewVatId(n uint64) VatId       { return VatId(fmt.Sprintf("v%d", n)) }
func NewRemoteId(n uint64) RemoteId { return RemoteId(fmt.Sprintf("r%d", n)) }
