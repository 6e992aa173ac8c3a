// Package kernel implements the Kernel façade (spec §4.7): orchestration of
// subcluster launch/terminate and the handful of control operations system
// vats and external callers reach the kernel through. Kernel is the only
// component that knows about both vat.Handle and remote.RemoteNetwork; it
// builds the concrete queue.Router that glues them to the crank loop.
package kernel

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocapkernel/kernel/bip39"
	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/clist"
	"github.com/ocapkernel/kernel/config"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/platform"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/remote"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/vat"
)

var log = klog.Named("kernel")

const identityKVKey = "identity.mnemonic"

// Kernel is the process-wide façade. One Kernel owns one Store, one
// Translator, one Queue, one GC Engine, a Launcher for hosting vat workers,
// and (optionally) a RemoteNetwork for bridging to remote peers.
type Kernel struct {
	store    *store.Store
	clist    *clist.Translator
	queue    *queue.Queue
	gc       *gc.Engine
	launcher platform.Launcher
	cfg      *config.Owner
	metrics  *metrics

	dialer       remote.Dialer
	remoteSecret []byte

	mu      sync.Mutex
	vats    map[ids.VatId]*vatEntry
	remote  *remote.RemoteNetwork
	localId ids.RemoteId
	runCtx  context.Context
	stopRun context.CancelFunc
}

type vatEntry struct {
	handle *vat.Handle
	name   string
	cfg    config.VatConfig
	root   ids.KRef
}

// Subcluster is the persisted record backing a launched subcluster, stored
// as one JSON value under the kernel KV key "subcluster.<id>".
type Subcluster struct {
	Config config.ClusterConfig `json:"config"`
	Vats   map[string]ids.VatId `json:"vats"`
	Result *capdata.CapData     `json:"result,omitempty"`
	Failed *string              `json:"failed,omitempty"`
}

// Status is Kernel.getStatus()'s read-only snapshot (spec §4.7, §7
// "Kernel.getStatus() reports the set of active subclusters and per-vat
// state").
type Status struct {
	Subclusters map[string]SubclusterStatus `json:"subclusters"`
}

type SubclusterStatus struct {
	Vats map[string]string `json:"vats"` // vat name -> vat.State string
}

// New builds a Kernel over an already-open Store. launcher hosts vat
// workers; dialer and secret configure the (optional) RemoteNetwork built
// lazily by Init once the local peer identity is known — pass a nil dialer
// to run with no remote peers at all.
func New(s *store.Store, cfg *config.Owner, launcher platform.Launcher, dialer remote.Dialer, secret []byte, reg prometheus.Registerer) *Kernel {
	m := newMetrics(reg)
	g := gc.New(s, m)
	q := queue.New(s, g, m)
	tr := clist.New(s, g)
	return &Kernel{
		store:        s,
		clist:        tr,
		queue:        q,
		gc:           g,
		launcher:     launcher,
		cfg:          cfg,
		metrics:      m,
		dialer:       dialer,
		remoteSecret: secret,
		vats:         make(map[ids.VatId]*vatEntry),
	}
}

// Init mints the local peer's long-term identity on first launch (a BIP39
// mnemonic over 16 random bytes, persisted in the kernel KV area) or reads
// it back on subsequent launches, then — if a Dialer was configured —
// builds the RemoteNetwork under that identity (spec §3 SUPPLEMENTED
// FEATURES, §4.7 "init()").
func (k *Kernel) Init() error {
	mnemonic, err := k.loadOrMintIdentity()
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dialer != nil {
		k.localId = ids.NewRemoteId(0)
		c := k.cfg.Get()
		backoffBase, backoffCap := remote.DefaultBackoffBase, remote.DefaultBackoffCap
		if d, err := time.ParseDuration(c.ReconnectBase); err == nil {
			backoffBase = d
		}
		if d, err := time.ParseDuration(c.ReconnectCap); err == nil {
			backoffCap = d
		}
		maxQueue := c.MaxMsgQueue
		if maxQueue <= 0 {
			maxQueue = remote.MaxQueue
		}
		k.remote = remote.NewConfigured(k.localId, k.remoteSecret, k.dialer, k.store, k.clist, k.queue, k.gc, int(c.MaxReconnect), backoffBase, backoffCap, maxQueue, k.metrics)
	}
	log.Infow("kernel initialized", "identity", mnemonic)
	return nil
}

func (k *Kernel) loadOrMintIdentity() (string, error) {
	if existing, ok, err := k.store.KVGet(identityKVKey); err != nil {
		return "", err
	} else if ok {
		return existing, nil
	}

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return "", kerr.Wrap(err, kerr.InvariantViolation, "kernel: generate identity seed", nil)
	}
	mnemonic, err := bip39.MnemonicOf(seed, bip39.Words12)
	if err != nil {
		return "", err
	}
	if err := k.store.StartCrank(); err != nil {
		return "", err
	}
	if err := k.store.KVSet(identityKVKey, mnemonic); err != nil {
		_ = k.store.EndCrank()
		return "", err
	}
	if err := k.store.EndCrank(); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// Start launches the crank loop in a background goroutine. Stop cancels it.
func (k *Kernel) Start(ctx context.Context) {
	k.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	k.runCtx = runCtx
	k.stopRun = cancel
	k.mu.Unlock()

	go func() {
		if err := k.queue.Run(runCtx, router{k: k}); err != nil && runCtx.Err() == nil {
			log.Errorw("kernel: crank loop exited", "err", err)
		}
	}()
}

// Stop cancels the crank loop and tears down the remote network, if any.
func (k *Kernel) Stop() {
	k.mu.Lock()
	cancel := k.stopRun
	r := k.remote
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if r != nil {
		r.Stop()
	}
}

// KVGet/KVSet passthrough to the kernel-scoped key-value area (spec §4.7).
func (k *Kernel) KVGet(key string) (string, bool, error) {
	return k.store.KVGet(key)
}

func (k *Kernel) KVSet(key, value string) error {
	if err := k.store.StartCrank(); err != nil {
		return err
	}
	if err := k.store.KVSet(key, value); err != nil {
		_ = k.store.EndCrank()
		return err
	}
	return k.store.EndCrank()
}

// GetKernelFacet returns the capability-bearing object lent to system vats
// (spec §4.7 "getKernelFacet()").
func (k *Kernel) GetKernelFacet() Facet {
	return Facet{k: k}
}

func subclusterKey(id string) string { return "subcluster." + id }

func (k *Kernel) readSubcluster(id string) (*Subcluster, bool, error) {
	raw, ok, err := k.store.KVGet(subclusterKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	var sc Subcluster
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return nil, false, kerr.Wrap(err, kerr.Protocol, "kernel: malformed subcluster record", nil)
	}
	return &sc, true, nil
}

func (k *Kernel) writeSubcluster(id string, sc *Subcluster) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	if err := k.store.StartCrank(); err != nil {
		return err
	}
	if err := k.store.KVSet(subclusterKey(id), string(raw)); err != nil {
		_ = k.store.EndCrank()
		return err
	}
	return k.store.EndCrank()
}

// GetStatus reports the set of active subclusters and per-vat state (spec
// §4.7, §7). It is a read-only snapshot: no lock beyond the in-process vat
// map, since the crank loop owns all Store mutation and this runs between
// cranks (spec §5 "Shared-resource policy").
func (k *Kernel) GetStatus() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := Status{Subclusters: make(map[string]SubclusterStatus)}
	bySubcluster := make(map[string]map[string]string)
	for _, ve := range k.vats {
		subclusterId, name := splitVatName(ve.name)
		m, ok := bySubcluster[subclusterId]
		if !ok {
			m = make(map[string]string)
			bySubcluster[subclusterId] = m
		}
		m[name] = ve.handle.State().String()
	}
	for id, vats := range bySubcluster {
		out.Subclusters[id] = SubclusterStatus{Vats: vats}
	}
	return out
}

// splitVatName recovers a launched vat's (subclusterId, localName) pair
// from the "<subclusterId>/<name>" form LaunchSubcluster registers vats
// under.
func splitVatName(full string) (subclusterId, name string) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i], full[i+1:]
		}
	}
	return "", full
}
