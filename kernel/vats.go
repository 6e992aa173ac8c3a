package kernel

import (
	"context"
	"encoding/json"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/config"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/vat"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// LaunchVat allocates a fresh VatId, asks the Launcher to host a worker for
// it, sends initSupervisor, and (on success) mints the vat's root kref and
// registers it under name for status reporting and subcluster wiring (spec
// §4.5, §4.7).
func (k *Kernel) LaunchVat(ctx context.Context, name string, vc config.VatConfig) (ids.VatId, error) {
	if err := k.store.StartCrank(); err != nil {
		return "", err
	}
	id, err := k.store.GetNextVatId()
	if err != nil {
		_ = k.store.EndCrank()
		return "", err
	}
	if err := k.store.EndCrank(); err != nil {
		return "", err
	}

	bundleSpec := vc.BundleSpec
	if bundleSpec == "" {
		bundleSpec = vc.BundleName
	}
	params, err := json.Marshal(vc.Parameters)
	if err != nil {
		return "", err
	}
	worker, err := k.launcher.Launch(ctx, bundleSpec, params)
	if err != nil {
		return "", kerr.Wrap(err, kerr.StreamWrite, "kernel: launch vat worker", map[string]any{"vat": string(id)})
	}

	h := vat.New(id, worker, k.store, k.clist, k.queue, k.gc)
	if err := h.Init(ctx, vat.Config{BundleSpec: vc.BundleSpec, BundleName: vc.BundleName, Parameters: params}); err != nil {
		_ = worker.Close()
		return "", err
	}

	if err := k.store.StartCrank(); err != nil {
		_ = worker.Close()
		return "", err
	}
	root, _, err := k.store.InitKernelObject(id.Endpoint())
	if err != nil {
		_ = k.store.RollbackCrank("start")
		_ = k.store.EndCrank()
		_ = worker.Close()
		return "", err
	}
	if err := k.store.EndCrank(); err != nil {
		_ = worker.Close()
		return "", err
	}

	k.mu.Lock()
	k.vats[id] = &vatEntry{handle: h, name: name, cfg: vc, root: root}
	k.mu.Unlock()

	log.Infow("kernel: vat launched", "vat", id, "name", name, "root", root)
	return id, nil
}

// LaunchSubcluster persists the cluster config, launches every named vat,
// then delivers a bootstrap message to the designated bootstrap vat
// carrying a record mapping each vat name to its root kref (as a c-list
// slot, so the bootstrap vat receives genuine capabilities, not bare
// strings). The bootstrap call's result becomes the subcluster's durably
// bound result (spec §4.7).
func (k *Kernel) LaunchSubcluster(ctx context.Context, id string, cc config.ClusterConfig) (capdata.CapData, error) {
	if err := k.writeSubcluster(id, &Subcluster{Config: cc, Vats: map[string]ids.VatId{}}); err != nil {
		return capdata.CapData{}, err
	}

	launched := make(map[string]ids.VatId, len(cc.Vats))
	for name, vc := range cc.Vats {
		vid, err := k.LaunchVat(ctx, id+"/"+name, vc)
		if err != nil {
			k.rollbackLaunched(launched)
			return capdata.CapData{}, kerr.Wrap(err, kerr.Abort, "kernel: launch subcluster "+id, nil)
		}
		launched[name] = vid
	}

	if err := k.writeSubcluster(id, &Subcluster{Config: cc, Vats: launched}); err != nil {
		k.rollbackLaunched(launched)
		return capdata.CapData{}, err
	}

	bootstrapVat, ok := launched[cc.Bootstrap]
	if !ok {
		k.rollbackLaunched(launched)
		return capdata.CapData{}, kerr.New(kerr.NotFound, "kernel: bootstrap vat "+cc.Bootstrap+" not in subcluster "+id, nil)
	}

	roots := make(map[string]ids.KRef, len(launched))
	k.mu.Lock()
	for name, vid := range launched {
		roots[name] = k.vats[vid].root
	}
	k.mu.Unlock()

	names := make([]string, 0, len(roots))
	krefs := make([]ids.KRef, 0, len(roots))
	for name, kref := range roots {
		names = append(names, name)
		krefs = append(krefs, kref)
	}
	bootstrapEndpoint := bootstrapVat.Endpoint()

	// Hold each root kref under "queue|slot" for as long as it sits in the
	// bootstrap message, exactly as handleSyscall's "send" case does for a
	// vat-originated send (vat.go): ToErefOutbound/TranslateSlotsOutbound
	// will transfer this hold to "clist" once the message is delivered and
	// the bootstrap vat's erefs are minted (spec §4.2, §8 property 1).
	if err := k.store.StartCrank(); err != nil {
		k.rollbackLaunched(launched)
		return capdata.CapData{}, err
	}
	for _, kref := range krefs {
		if err := k.store.IncrementRefCount(kref, store.TagQueueSlot); err != nil {
			_ = k.store.RollbackCrank("start")
			_ = k.store.EndCrank()
			k.rollbackLaunched(launched)
			return capdata.CapData{}, err
		}
	}
	if err := k.store.EndCrank(); err != nil {
		k.rollbackLaunched(launched)
		return capdata.CapData{}, err
	}

	bodyMap := make(map[string]int, len(names))
	for i, name := range names {
		bodyMap[name] = i
	}
	body, err := wireJSON.Marshal(struct {
		Vats map[string]int `json:"vats"`
	}{Vats: bodyMap})
	if err != nil {
		return capdata.CapData{}, err
	}
	methargs := capdata.CapData{Body: string(body), Slots: krefs}

	result, err := k.callAndAwait(roots[cc.Bootstrap], methargs, bootstrapEndpoint)
	if err != nil {
		rejected := err.Error()
		_ = k.writeSubcluster(id, &Subcluster{Config: cc, Vats: launched, Failed: &rejected})
		return capdata.CapData{}, err
	}

	_ = k.writeSubcluster(id, &Subcluster{Config: cc, Vats: launched, Result: &result})
	return result, nil
}

func (k *Kernel) rollbackLaunched(launched map[string]ids.VatId) {
	for _, vid := range launched {
		_ = k.TerminateVat(context.Background(), vid, "subcluster launch failed")
	}
}

// callAndAwait enqueues a message to target (decided by decider) and blocks
// until the queue resolves it, stepping the crank loop itself if nothing
// else is driving it yet. Used only for the one-shot bootstrap call; every
// other delivery flows through Kernel.Start's background Run loop.
func (k *Kernel) callAndAwait(target ids.KRef, methargs capdata.CapData, decider ids.EndpointId) (capdata.CapData, error) {
	type outcome struct {
		rejected bool
		data     capdata.CapData
	}
	done := make(chan outcome, 1)
	_, err := k.queue.EnqueueMessage(target, methargs, decider, func(rejected bool, data capdata.CapData) {
		done <- outcome{rejected, data}
	})
	if err != nil {
		return capdata.CapData{}, err
	}

	k.mu.Lock()
	running := k.runCtx != nil
	k.mu.Unlock()

	if !running {
		for {
			select {
			case o := <-done:
				if o.rejected {
					return capdata.CapData{}, kerr.New(kerr.Abort, "kernel: bootstrap call rejected", nil)
				}
				return o.data, nil
			default:
			}
			didWork, err := k.queue.Step(router{k: k})
			if err != nil {
				return capdata.CapData{}, err
			}
			if !didWork {
				select {
				case o := <-done:
					if o.rejected {
						return capdata.CapData{}, kerr.New(kerr.Abort, "kernel: bootstrap call rejected", nil)
					}
					return o.data, nil
				}
			}
		}
	}

	o := <-done
	if o.rejected {
		return capdata.CapData{}, kerr.New(kerr.Abort, "kernel: bootstrap call rejected", nil)
	}
	return o.data, nil
}

// TerminateVat serializes behind WaitForCrank before tearing down the
// worker (spec §5 "Cancellation: terminateVat serializes behind
// waitForCrank() before tearing down worker I/O").
func (k *Kernel) TerminateVat(ctx context.Context, id ids.VatId, reason string) error {
	k.mu.Lock()
	ve, ok := k.vats[id]
	k.mu.Unlock()
	if !ok {
		return kerr.New(kerr.NotFound, "kernel: no such vat "+string(id), nil)
	}
	k.store.WaitForCrank()
	if err := ve.handle.Terminate(ctx, reason); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.vats, id)
	k.mu.Unlock()
	log.Infow("kernel: vat terminated", "vat", id, "reason", reason)
	return nil
}

// TerminateSubcluster terminates every vat in the named subcluster.
func (k *Kernel) TerminateSubcluster(ctx context.Context, id string) error {
	sc, ok, err := k.readSubcluster(id)
	if err != nil {
		return err
	}
	if !ok {
		return kerr.New(kerr.NotFound, "kernel: no such subcluster "+id, nil)
	}
	var firstErr error
	for _, vid := range sc.Vats {
		if err := k.TerminateVat(ctx, vid, "subcluster terminated"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestartVat terminates and relaunches a vat under its originally-launched
// config, reusing its registered name (spec §4.7 "restartVat(id)").
func (k *Kernel) RestartVat(ctx context.Context, id ids.VatId) (ids.VatId, error) {
	k.mu.Lock()
	ve, ok := k.vats[id]
	k.mu.Unlock()
	if !ok {
		return "", kerr.New(kerr.NotFound, "kernel: no such vat "+string(id), nil)
	}
	name, vc := ve.name, ve.cfg
	if err := k.TerminateVat(ctx, id, "restart"); err != nil {
		return "", err
	}
	return k.LaunchVat(ctx, name, vc)
}
