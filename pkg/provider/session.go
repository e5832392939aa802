package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"docsync/pkg/crdt"
	"docsync/pkg/protocol"
)

// Session keeps a local replica of one room in sync with the server. It
// prefers the primary transport and degrades to the poll endpoints when the
// transport stays down longer than the degrade timeout.
type Session struct {
	room         string
	cfg          Config
	subscriberID string
	logger       *zap.SugaredLogger

	doc       *crdt.Doc
	awareness *crdt.Awareness
	transport Transport
	client    *PollClient
	machine   *stateMachine

	ctx    context.Context
	cancel context.CancelFunc

	timerMu      sync.Mutex
	degradeTimer *time.Timer
	assumeFailed atomic.Bool

	fallbackMu sync.Mutex
	fallback   *fallback
	forwarding atomic.Bool
	lastSent   *lru.Cache

	listenersMu sync.Mutex
	listeners   []func(State)

	unsubscribe []func()
	started     atomic.Bool
	closeOnce   sync.Once
}

// NewSession creates a session for room over transport. With FallbackOnly
// the transport is ignored and may be nil.
func NewSession(room string, transport Transport, opts ...Option) (*Session, error) {
	if room == "" {
		return nil, errors.New("room name is required")
	}
	cfg := newConfig(opts...)
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.FallbackOnly || transport == nil {
		transport = idleTransport{}
	}

	lastSent, err := lru.New(16)
	if err != nil {
		return nil, err
	}

	s := &Session{
		room:         room,
		cfg:          cfg,
		subscriberID: ksuid.New().String(),
		logger:       cfg.Logger.With("room", room),
		doc:          crdt.New(),
		awareness:    crdt.NewAwareness(crdt.NewClientID()),
		transport:    transport,
		client:       NewPollClient(cfg.BaseURL, cfg.Token, cfg.HTTPClient),
		lastSent:     lastSent,
	}
	s.client.subscriber = s.subscriberID
	s.forwarding.Store(true)
	s.machine = newStateMachine(s.onEnter)
	return s, nil
}

// Dial creates a session whose primary transport is a WebSocket to BaseURL
func Dial(room string, opts ...Option) (*Session, error) {
	cfg := newConfig(opts...)
	if cfg.FallbackOnly {
		return NewSession(room, nil, opts...)
	}
	wsURL, err := WebSocketURL(cfg.BaseURL, room)
	if err != nil {
		return nil, err
	}
	return NewSession(room, NewWebSocketTransport(wsURL, cfg.Token, cfg.Logger), opts...)
}

func (s *Session) Room() string               { return s.room }
func (s *Session) Doc() *crdt.Doc             { return s.doc }
func (s *Session) Awareness() *crdt.Awareness { return s.awareness }
func (s *Session) State() State               { return s.machine.Current() }
func (s *Session) Forwarding() bool           { return s.forwarding.Load() }

// OnStateChange registers fn for every state entered. fn runs while the
// transition is in progress and must not call Close.
func (s *Session) OnStateChange(fn func(State)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// Start subscribes to local changes and begins connecting
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.unsubscribe = append(s.unsubscribe,
		s.doc.OnUpdate(func(update []byte, origin any) {
			if origin == s {
				return
			}
			s.sendLocal(protocol.EncodeSyncUpdate(s.room, update))
		}),
		s.awareness.OnChange(func(change crdt.AwarenessChange, origin any) {
			if origin == s {
				return
			}
			s.sendLocal(protocol.EncodeAwareness(s.room, s.awareness.Encode(change.All())))
		}),
	)

	s.transport.OnMessage(s.handleMessage)
	s.transport.OnStatusChange(s.onStatus)

	s.enterConnecting()
	if s.cfg.FallbackOnly {
		s.machine.fire(s.ctx, eventDegrade)
		return
	}
	s.transport.Connect(s.ctx)
}

func (s *Session) onStatus(status Status) {
	s.logger.Debugw("Transport status changed", "status", status)
	switch status {
	case StatusConnected:
		s.machine.fire(s.ctx, eventOpen)
	case StatusConnecting, StatusDisconnected:
		if s.machine.Current() == StateConnected {
			s.machine.fire(s.ctx, eventDisconnect)
		}
	}
}

func (s *Session) onEnter(_ context.Context, state State) {
	s.logger.Infow("Session state changed", "state", state)
	switch state {
	case StateConnecting:
		s.enterConnecting()
	case StateConnected:
		s.enterConnected()
	case StateDegraded:
		s.enterDegraded()
	}

	s.listenersMu.Lock()
	listeners := append([]func(State){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// enterConnecting assumes the transport failed until it proves otherwise and
// arms the degrade timer. A degraded session is never re-armed.
func (s *Session) enterConnecting() {
	s.assumeFailed.Store(true)

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.degradeTimer != nil {
		s.degradeTimer.Stop()
	}
	if s.cfg.FallbackOnly {
		s.degradeTimer = nil
		return
	}
	s.degradeTimer = time.AfterFunc(s.cfg.DegradeTimeout, func() {
		if s.assumeFailed.Load() && s.ctx.Err() == nil {
			s.machine.fire(s.ctx, eventDegrade)
		}
	})
}

func (s *Session) enterConnected() {
	s.assumeFailed.Store(false)
	s.stopDegradeTimer()
	s.teardownFallback()

	if err := s.transport.Send(protocol.EncodeSyncStep1(s.room, s.doc.EncodeStateVector())); err != nil {
		s.logger.Debugw("Failed to send sync step 1", "error", err)
	}
	s.announceAwareness()
}

func (s *Session) enterDegraded() {
	s.stopDegradeTimer()
	s.lastSent.Purge()

	f := newFallback(s)
	s.fallbackMu.Lock()
	old := s.fallback
	s.fallback = f
	s.fallbackMu.Unlock()
	if old != nil {
		old.close()
	}
	f.start()
}

func (s *Session) stopDegradeTimer() {
	s.timerMu.Lock()
	if s.degradeTimer != nil {
		s.degradeTimer.Stop()
		s.degradeTimer = nil
	}
	s.timerMu.Unlock()
}

func (s *Session) teardownFallback() {
	s.fallbackMu.Lock()
	f := s.fallback
	s.fallback = nil
	s.fallbackMu.Unlock()
	if f != nil {
		f.close()
	}
}

func (s *Session) currentFallback() *fallback {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	return s.fallback
}

// sendLocal delivers a locally produced frame over the transport, or over the
// poll endpoints while degraded
func (s *Session) sendLocal(frame []byte) {
	if s.machine.Current() == StateConnected {
		if err := s.transport.Send(frame); err != nil {
			s.logger.Debugw("Failed to send frame", "error", err)
		}
		return
	}
	s.intercept(frame)
}

// intercept forwards a frame to the fallback. Awareness frames equal to the
// last one forwarded are dropped.
func (s *Session) intercept(frame []byte) {
	if !s.forwarding.Load() || !s.cfg.CanEdit || s.machine.Current() != StateDegraded {
		return
	}
	f := s.currentFallback()
	if f == nil {
		return
	}

	decoded, err := protocol.DecodeFrame(frame)
	if err != nil {
		return
	}
	if decoded.Type == protocol.MessageAwareness {
		key := decoded.Type.String()
		encoded := protocol.EncodeBase64(frame)
		if last, ok := s.lastSent.Get(key); ok && last.(string) == encoded {
			return
		}
		s.lastSent.Add(key, encoded)
	}
	f.forwardEdit(frame)
}

// disableForwarding stops forwarding local changes for the rest of the
// session. Pushed changes are still applied.
func (s *Session) disableForwarding() {
	if s.forwarding.CompareAndSwap(true, false) {
		s.detachHooks()
		s.logger.Warnw("Server refused an edit, local changes are no longer forwarded")
	}
}

// detachHooks stops observing local changes. Safe to call more than once.
func (s *Session) detachHooks() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
}

// announceAwareness sends the local presence as is, without bumping its clock
func (s *Session) announceAwareness() {
	if s.awareness.LocalState() == nil {
		return
	}
	s.sendLocal(protocol.EncodeAwareness(s.room, s.awareness.Encode([]uint32{s.awareness.ClientID()})))
}

func (s *Session) handleMessage(raw []byte) {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.logger.Warnw("Dropped malformed frame", "error", err)
		return
	}
	if frame.DocumentName != s.room {
		return
	}

	switch frame.Type {
	case protocol.MessageSync, protocol.MessageSyncReply:
		step, data, err := frame.Sync()
		if err != nil {
			s.logger.Warnw("Dropped malformed sync frame", "error", err)
			return
		}
		if step == protocol.SyncStep1 {
			diff, err := s.doc.EncodeDiff(data)
			if err != nil {
				s.logger.Warnw("Failed to encode sync step 2", "error", err)
				return
			}
			_ = s.transport.Send(protocol.EncodeSyncStep2(s.room, diff))
			return
		}
		if _, err := s.doc.ApplyUpdate(data, s); err != nil {
			s.logger.Warnw("Failed to apply update", "error", err)
		}

	case protocol.MessageAwareness:
		update, err := frame.Awareness()
		if err == nil {
			_, err = s.awareness.Apply(update, s)
		}
		if err != nil {
			s.logger.Warnw("Failed to apply awareness", "error", err)
		}

	case protocol.MessageQueryAwareness:
		_ = s.transport.Send(protocol.EncodeAwareness(s.room, s.awareness.EncodeAll()))
	}
}

// Close withdraws the local presence, stops the fallback and closes the
// transport
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.started.Load() {
			err = s.transport.Close()
			return
		}
		s.detachHooks()

		hadPresence := s.awareness.LocalState() != nil
		_ = s.awareness.SetLocalState(nil)
		if hadPresence {
			s.withdrawPresence()
		}

		s.stopDegradeTimer()
		s.cancel()
		s.teardownFallback()
		err = s.transport.Close()
	})
	return err
}

func (s *Session) withdrawPresence() {
	frame := protocol.EncodeAwareness(s.room, s.awareness.Encode([]uint32{s.awareness.ClientID()}))
	switch s.machine.Current() {
	case StateConnected:
		_ = s.transport.Send(frame)
	case StateDegraded:
		if !s.cfg.CanEdit || !s.forwarding.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.RequestTimeout)
		defer cancel()
		if _, err := s.client.PostMessage(ctx, s.room, frame); err != nil {
			s.logger.Debugw("Failed to withdraw presence", "error", err)
		}
	}
}
