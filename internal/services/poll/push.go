package poll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/internal/telemetry"
	"docsync/pkg/crdt"
	"docsync/pkg/protocol"
)

/*
Bridge streams the changes of a canonical document to a fallback client as
server-sent events.

	subscribe → direct connection acquired, three listeners attached under one key
	          → initial event with the full state
	events   → queued on a bounded channel, written by the request goroutine only
	close    → listeners removed and direct connection released, exactly once

A subscriber that re-subscribes with the same key replaces its previous
stream, so listeners never fire twice for one client.
*/

// errStreamStopped ends a stream that fell behind or was replaced by a newer one
var errStreamStopped = errors.New("push stream stopped")

const (
	DefaultKeepAlive = 25 * time.Second
	DefaultBuffer    = 64
	// DefaultIdleGrace covers a client reopening its stream after a failure
	DefaultIdleGrace = 15 * time.Second
)

type Bridge struct {
	keepAlive time.Duration
	buffer    int
	idleGrace time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger

	mu   sync.Mutex
	subs map[string]*subscription
}

type BridgeOption func(*Bridge)

func WithKeepAlive(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.keepAlive = d }
}

// WithBuffer sets how many events may queue before a stream is closed
func WithBuffer(n int) BridgeOption {
	return func(b *Bridge) { b.buffer = n }
}

// WithIdleGrace sets how long a subscriber may stay without a stream before
// AfterIdle callbacks run
func WithIdleGrace(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.idleGrace = d }
}

func NewBridge(logger *zap.SugaredLogger, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		keepAlive: DefaultKeepAlive,
		buffer:    DefaultBuffer,
		idleGrace: DefaultIdleGrace,
		now:       time.Now,
		logger:    logger,
		subs:      make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	key     string
	doc     *docstore.Document
	events  chan []byte
	ended   chan struct{}
	stopped chan struct{}

	endOnce  sync.Once
	stopOnce sync.Once
	overflow sync.Once
	closed   sync.Once

	release func()
}

func (s *subscription) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Subscribers returns the number of open streams
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// AfterIdle runs fn once the idle grace has passed, unless subscriber has
// opened a new stream on room by then
func (b *Bridge) AfterIdle(room, subscriber string, fn func()) {
	key := room + "/" + subscriber
	time.AfterFunc(b.idleGrace, func() {
		b.mu.Lock()
		_, active := b.subs[key]
		b.mu.Unlock()
		if !active {
			fn()
		}
	})
}

func (b *Bridge) event(doc *docstore.Document) *protocol.PushEvent {
	return &protocol.PushEvent{
		Time:             b.now().UnixMilli(),
		StateFingerprint: doc.Doc().Fingerprint(),
	}
}

func (b *Bridge) enqueue(s *subscription, e *protocol.PushEvent) {
	record, err := protocol.MarshalPushEvent(e)
	if err != nil {
		b.logger.Errorw("Failed to encode push event", "document", s.doc.Name(), "error", err)
		return
	}
	select {
	case s.events <- record:
	case <-s.stopped:
	default:
		s.overflow.Do(func() {
			b.logger.Warnw("Push stream overflow, closing", "document", s.doc.Name(), "subscriber", s.key)
			s.stop()
		})
	}
}

// subscribe registers the stream and attaches its listeners
func (b *Bridge) subscribe(doc *docstore.Document, subscriberID string) (*subscription, error) {
	release, err := doc.AcquireDirectConnection()
	if err != nil {
		return nil, err
	}

	s := &subscription{
		key:     doc.Name() + "/" + subscriberID,
		doc:     doc,
		events:  make(chan []byte, b.buffer),
		ended:   make(chan struct{}),
		stopped: make(chan struct{}),
		release: release,
	}

	b.mu.Lock()
	previous := b.subs[s.key]
	b.subs[s.key] = s
	b.mu.Unlock()
	if previous != nil {
		previous.stop()
	}

	// detach then attach
	doc.RemoveListeners(s.key)
	doc.SetUpdateListener(s.key, func(update []byte, _ any) {
		e := b.event(doc)
		e.UpdatedDoc64 = protocol.EncodeBase64(update)
		b.enqueue(s, e)
	})
	doc.SetAwarenessListener(s.key, func(change crdt.AwarenessChange, _ any) {
		e := b.event(doc)
		e.Awareness64 = protocol.EncodeBase64(doc.Awareness().Encode(change.All()))
		b.enqueue(s, e)
	})
	doc.SetDestroyListener(s.key, func() {
		b.enqueue(s, b.event(doc))
		s.end()
	})

	telemetry.PushSubscribers.Inc()
	return s, nil
}

// unsubscribe is the single teardown path of a stream
func (b *Bridge) unsubscribe(s *subscription) {
	s.closed.Do(func() {
		b.mu.Lock()
		current := b.subs[s.key] == s
		if current {
			delete(b.subs, s.key)
		}
		b.mu.Unlock()

		if current {
			s.doc.RemoveListeners(s.key)
		}
		s.release()
		telemetry.PushSubscribers.Dec()
	})
}

// Serve streams doc to w until the client goes away, the document is
// destroyed, or the stream falls behind. subscriberID may be empty.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, doc *docstore.Document, subscriberID string) error {
	if subscriberID == "" {
		subscriberID = ksuid.New().String()
	}

	s, err := b.subscribe(doc, subscriberID)
	if err != nil {
		return err
	}
	defer b.unsubscribe(s)

	rc := http.NewResponseController(w)
	// push streams outlive the server's write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	initial := b.event(doc)
	initial.UpdatedDoc64 = protocol.EncodeBase64(doc.Doc().EncodeStateAsUpdate())
	if err := b.write(w, rc, initial); err != nil {
		return err
	}

	b.logger.Debugw("Push stream opened", "document", doc.Name(), "subscriber", subscriberID)
	return b.pump(r.Context(), w, rc, s)
}

func (b *Bridge) write(w http.ResponseWriter, rc *http.ResponseController, e *protocol.PushEvent) error {
	record, err := protocol.MarshalPushEvent(e)
	if err != nil {
		return err
	}
	return b.writeRaw(w, rc, record)
}

func (b *Bridge) writeRaw(w http.ResponseWriter, rc *http.ResponseController, record []byte) error {
	if _, err := w.Write(record); err != nil {
		return fmt.Errorf("failed to write push event: %w", err)
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush push event: %w", err)
	}
	return nil
}

func (b *Bridge) pump(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, s *subscription) error {
	keepAlive := time.NewTicker(b.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.stopped:
			return errStreamStopped

		case record := <-s.events:
			if err := b.writeRaw(w, rc, record); err != nil {
				return err
			}

		case <-s.ended:
			// flush what was queued before the destroy event
			for {
				select {
				case record := <-s.events:
					if err := b.writeRaw(w, rc, record); err != nil {
						return err
					}
				default:
					return nil
				}
			}

		case <-keepAlive.C:
			if err := b.writeRaw(w, rc, []byte(": keep-alive\n\n")); err != nil {
				return err
			}
		}
	}
}
