package collaboration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/internal/middleware"
	"docsync/internal/models"
	"docsync/internal/telemetry"
	"docsync/pkg/protocol"
)

/*
WEBSOCKET SESSION MANAGER

Every WebSocket peer is a Session attached to one canonical document.

  join  → connection attached to the document → sync step 1 + awareness sent
  read  → frames applied to the replica with the session as origin
  write → frames queued by the document, drained by WritePump
  leave → awareness states owned by the session removed, connection detached

The document fans changes out itself, so the manager only tracks sessions for
liveness and shutdown.
*/

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	// DefaultIdleTimeout closes sessions that stopped answering pings
	DefaultIdleTimeout = 5 * time.Minute
)

var errSessionClosed = errors.New("session closed by peer")

// SessionManager tracks every live WebSocket session
type SessionManager struct {
	store       *docstore.Store
	logger      *zap.SugaredLogger
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	done     chan struct{}
	doneOnce sync.Once
}

// Session is one WebSocket peer of a document
type Session struct {
	info       *models.Session
	conn       *websocket.Conn
	doc        *docstore.Document
	manager    *SessionManager
	lastActive atomic.Int64

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	// awareness client ids announced through this session
	awarenessMu  sync.Mutex
	awarenessIDs map[uint32]struct{}
}

func NewSessionManager(store *docstore.Store, logger *zap.SugaredLogger) *SessionManager {
	return &SessionManager{
		store:       store,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		sessions:    make(map[string]*Session),
		done:        make(chan struct{}),
	}
}

// Start begins the cleanup loop
func (sm *SessionManager) Start() {
	sm.logger.Info("🔄 Starting WebSocket session manager...")
	go sm.cleanupLoop()
	sm.logger.Info("✓ WebSocket session manager started")
}

func (sm *SessionManager) newSession(conn *websocket.Conn, doc *docstore.Document, user models.Session) *Session {
	info := models.NewSession(doc.Name(), user.UserID, user.UserName, user.ReadOnly)
	s := &Session{
		info:         info,
		conn:         conn,
		doc:          doc,
		manager:      sm,
		send:         make(chan []byte, sendBuffer),
		awarenessIDs: make(map[uint32]struct{}),
	}
	s.touch()
	return s
}

// register attaches s to its document and queues the opening frames
func (sm *SessionManager) register(s *Session) error {
	if err := s.doc.AddConnection(s); err != nil {
		return err
	}

	sm.mu.Lock()
	sm.sessions[s.ID()] = s
	total := len(sm.sessions)
	sm.mu.Unlock()

	name := s.doc.Name()
	s.Send(protocol.EncodeSyncStep1(name, s.doc.Doc().EncodeStateVector()))
	if len(s.doc.Awareness().ClientIDs()) > 0 {
		s.Send(protocol.EncodeAwareness(name, s.doc.Awareness().EncodeAll()))
	}

	sm.logger.Infow("Session joined document",
		"session", s.ID(), "document", name, "user", s.info.UserID,
		"read_only", s.info.ReadOnly, "sessions", total)
	return nil
}

// unregister detaches s. Safe to call more than once.
func (sm *SessionManager) unregister(s *Session) {
	sm.mu.Lock()
	_, ok := sm.sessions[s.ID()]
	delete(sm.sessions, s.ID())
	sm.mu.Unlock()
	if !ok {
		return
	}

	if ids := s.ownedAwareness(); len(ids) > 0 {
		s.doc.Awareness().RemoveStates(ids, s)
	}
	s.doc.RemoveConnection(s)
	s.close()

	sm.logger.Infow("Session left document", "session", s.ID(), "document", s.doc.Name())
}

// Sessions returns the sessions attached to a document
func (sm *SessionManager) Sessions(documentName string) []models.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var out []models.Session
	for _, s := range sm.sessions {
		if s.doc.Name() == documentName {
			out = append(out, s.Info())
		}
	}
	return out
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup(time.Now())
		}
	}
}

// cleanup closes sessions idle for longer than the idle timeout; their read
// pumps then unregister them
func (sm *SessionManager) cleanup(now time.Time) {
	sm.mu.RLock()
	var stale []*Session
	for _, s := range sm.sessions {
		if now.Sub(s.LastActiveAt()) > sm.idleTimeout {
			stale = append(stale, s)
		}
	}
	sm.mu.RUnlock()

	for _, s := range stale {
		sm.logger.Infow("Cleaning up inactive session", "session", s.ID(), "document", s.doc.Name())
		_ = s.conn.Close()
	}
}

// Shutdown closes every connection
func (sm *SessionManager) Shutdown() {
	sm.logger.Info("🛑 Shutting down session manager...")
	sm.doneOnce.Do(func() { close(sm.done) })

	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		sm.unregister(s)
		_ = s.conn.Close()
	}
	sm.logger.Info("✓ Session manager shutdown complete")
}

// Session methods

func (s *Session) ID() string {
	return s.info.ID
}

// Send queues a frame for the write pump. A full buffer closes the session.
func (s *Session) Send(frame []byte) bool {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return false
	}
	select {
	case s.send <- frame:
		s.sendMu.Unlock()
		return true
	default:
	}
	s.sendMu.Unlock()

	s.manager.logger.Warnw("⚠️  Session buffer full, closing connection", "session", s.ID())
	s.close()
	return false
}

func (s *Session) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) LastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Info returns a snapshot of the session for listings
func (s *Session) Info() models.Session {
	info := *s.info
	info.LastActiveAt = s.LastActiveAt()
	return info
}

func (s *Session) ownedAwareness() []uint32 {
	s.awarenessMu.Lock()
	defer s.awarenessMu.Unlock()
	ids := make([]uint32, 0, len(s.awarenessIDs))
	for id := range s.awarenessIDs {
		ids = append(ids, id)
	}
	return ids
}

// ReadPump reads frames until the peer goes away, then unregisters the session
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.manager.unregister(s)
		_ = s.conn.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.manager.logger.Warnw("WebSocket error", "session", s.ID(), "error", err)
			}
			return
		}
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if err := s.handleMessage(ctx, message); err != nil {
			if !errors.Is(err, errSessionClosed) {
				s.manager.logger.Debugw("Dropped frame", "session", s.ID(), "error", err)
				continue
			}
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, message []byte) error {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", s.ID()),
		attribute.String("document.name", s.doc.Name()),
		attribute.Int("message.size", len(message)),
	)
	defer span.End()

	frame, err := protocol.DecodeFrame(message)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	name := s.doc.Name()
	if frame.DocumentName != name {
		s.manager.logger.Warnw("Rejected frame addressed to another room",
			"session", s.ID(), "room", name, "frame_room", frame.DocumentName)
		return nil
	}
	span.SetAttributes(attribute.String("message.type", frame.Type.String()))

	switch frame.Type {
	case protocol.MessageSync, protocol.MessageSyncReply:
		step, data, err := frame.Sync()
		if err != nil {
			return err
		}
		if step == protocol.SyncStep1 {
			diff, err := s.doc.Doc().EncodeDiff(data)
			if err != nil {
				return err
			}
			s.Send(protocol.EncodeSyncStep2(name, diff))
			return nil
		}
		if s.info.ReadOnly {
			s.manager.logger.Debugw("Ignored update from read-only session", "session", s.ID())
			return nil
		}
		changed, err := s.doc.Doc().ApplyUpdate(data, s)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return err
		}
		if changed {
			telemetry.Merges.WithLabelValues("websocket").Inc()
		}

	case protocol.MessageAwareness:
		update, err := frame.Awareness()
		if err != nil {
			return err
		}
		change, err := s.doc.Awareness().Apply(update, s)
		if err != nil {
			return err
		}
		s.awarenessMu.Lock()
		for _, id := range change.Added {
			s.awarenessIDs[id] = struct{}{}
		}
		for _, id := range change.Updated {
			s.awarenessIDs[id] = struct{}{}
		}
		for _, id := range change.Removed {
			delete(s.awarenessIDs, id)
		}
		s.awarenessMu.Unlock()

	case protocol.MessageQueryAwareness:
		s.Send(protocol.EncodeAwareness(name, s.doc.Awareness().EncodeAll()))

	case protocol.MessageClose:
		return errSessionClosed

	default:
		s.doc.Broadcast(frame.Raw, s.ID())
	}
	return nil
}

// WritePump drains the send queue and keeps the connection alive with pings
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one frame per message; receivers decode whole messages
			if err := s.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
