package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"docsync/pkg/protocol"
)

const outboxSize = 1024

// fallback is everything a degraded session runs. It is created on entering
// degraded and closed as a whole when the session leaves it.
type fallback struct {
	s      *Session
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbox chan []byte

	drift   atomic.Int32
	syncing atomic.Bool

	resyncMu      sync.Mutex
	resyncBackoff *backoff.ExponentialBackOff
	nextResync    time.Time
	resyncTimer   *time.Timer

	closeOnce sync.Once
}

func newFallback(s *Session) *fallback {
	ctx, cancel := context.WithCancel(s.ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ResyncMinInterval
	b.MaxInterval = s.cfg.ResyncMaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &fallback{
		s:             s,
		ctx:           ctx,
		cancel:        cancel,
		outbox:        make(chan []byte, outboxSize),
		resyncBackoff: b,
	}
}

// start opens the push channel, the sender and the periodic check, and seeds
// the local replica with one forced full sync
func (f *fallback) start() {
	push := newPushChannel(f.s.client, f.s.room, f.s.subscriberID, f.s.cfg.ReconnectDelay, f.handleEvent, f.s.logger)

	f.spawn(push.run)
	f.spawn(f.sendLoop)
	f.spawn(f.checkLoop)
	f.spawn(func(context.Context) { f.fullSync(true) })
}

func (f *fallback) spawn(fn func(ctx context.Context)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn(f.ctx)
	}()
}

// close stops every goroutine and timer of the fallback and waits for them
func (f *fallback) close() {
	f.closeOnce.Do(func() {
		f.cancel()
		f.resyncMu.Lock()
		if f.resyncTimer != nil && f.resyncTimer.Stop() {
			f.wg.Done()
		}
		f.resyncMu.Unlock()
		f.wg.Wait()
		f.drift.Store(0)
	})
}

// forwardEdit queues a frame for the server, keeping local order
func (f *fallback) forwardEdit(frame []byte) {
	select {
	case f.outbox <- frame:
	case <-f.ctx.Done():
	}
}

func (f *fallback) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-f.outbox:
			f.send(ctx, frame)
		}
	}
}

func (f *fallback) send(ctx context.Context, frame []byte) {
	if !f.s.forwarding.Load() {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.s.cfg.RequestTimeout)
	defer cancel()
	updated, err := f.s.client.PostMessage(reqCtx, f.s.room, frame)
	switch {
	case errors.Is(err, ErrForbidden):
		f.s.disableForwarding()
	case err != nil:
		if ctx.Err() == nil {
			f.s.logger.Warnw("Failed to forward frame", "room", f.s.room, "error", err)
			// the edit is still in the local replica; a full sync carries it
			f.requestResync()
		}
	case !updated:
		f.requestResync()
	default:
		f.resyncMu.Lock()
		f.resyncBackoff.Reset()
		f.nextResync = time.Time{}
		f.resyncMu.Unlock()
	}
}

// requestResync runs a forced full sync now, or once the backoff window
// since the previous one has passed. Requests inside the window collapse.
func (f *fallback) requestResync() {
	f.resyncMu.Lock()
	defer f.resyncMu.Unlock()
	if f.ctx.Err() != nil || f.resyncTimer != nil {
		return
	}

	run := func() {
		f.resyncMu.Lock()
		f.resyncTimer = nil
		f.nextResync = time.Now().Add(f.resyncBackoff.NextBackOff())
		f.resyncMu.Unlock()
		f.fullSync(true)
	}

	wait := time.Until(f.nextResync)
	if wait <= 0 {
		f.nextResync = time.Now().Add(f.resyncBackoff.NextBackOff())
		f.spawn(func(context.Context) { f.fullSync(true) })
		return
	}
	f.wg.Add(1)
	f.resyncTimer = time.AfterFunc(wait, func() {
		defer f.wg.Done()
		if f.ctx.Err() == nil {
			run()
		}
	})
}

func (f *fallback) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(f.s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.fullSync(false)
			f.s.announceAwareness()
		}
	}
}

// fullSync posts the whole local state and merges the canonical state the
// server answers with. It runs when forced or when drift reached the
// threshold, and never overlaps itself.
func (f *fallback) fullSync(force bool) {
	if !force && int(f.drift.Load()) < f.s.cfg.DriftThreshold {
		return
	}
	if !f.syncing.CompareAndSwap(false, true) {
		return
	}
	defer f.syncing.Store(false)

	ctx, cancel := context.WithTimeout(f.ctx, f.s.cfg.RequestTimeout)
	defer cancel()

	state, err := f.s.client.Sync(ctx, f.s.room, f.s.doc.EncodeStateAsUpdate())
	if err != nil {
		if f.ctx.Err() == nil {
			f.s.logger.Warnw("Full sync failed", "room", f.s.room, "error", err)
		}
		return
	}
	if state == nil {
		f.s.logger.Debugw("Full sync returned no state", "room", f.s.room, "forced", force)
		return
	}
	if _, err := f.s.doc.ApplyUpdate(state, f.s); err != nil {
		f.s.logger.Warnw("Failed to merge synced state", "room", f.s.room, "error", err)
		return
	}
	f.drift.Store(0)
	f.s.logger.Debugw("Full sync complete", "room", f.s.room, "forced", force)
}

// handleEvent applies one pushed event and checks the fingerprints
func (f *fallback) handleEvent(e *protocol.PushEvent) {
	if e.UpdatedDoc64 != "" {
		update, err := protocol.DecodeBase64(e.UpdatedDoc64)
		if err == nil {
			_, err = f.s.doc.ApplyUpdate(update, f.s)
		}
		if err != nil {
			f.s.logger.Warnw("Failed to apply pushed update", "room", f.s.room, "error", err)
		}
	}
	if e.Awareness64 != "" {
		update, err := protocol.DecodeBase64(e.Awareness64)
		if err == nil {
			_, err = f.s.awareness.Apply(update, f.s)
		}
		if err != nil {
			f.s.logger.Warnw("Failed to apply pushed awareness", "room", f.s.room, "error", err)
		}
	}
	if e.IsDestroy() || e.StateFingerprint == "" {
		return
	}

	if e.StateFingerprint == f.s.doc.Fingerprint() {
		f.drift.Store(0)
		return
	}
	f.drift.Add(1)
	f.fullSync(false)
}
