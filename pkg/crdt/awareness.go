package crdt

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"docsync/pkg/protocol"
)

var nullState = []byte("null")

// AwarenessChange lists the client ids touched by one applied update
type AwarenessChange struct {
	Added   []uint32
	Updated []uint32
	Removed []uint32
}

// All returns every touched client id
func (c AwarenessChange) All() []uint32 {
	all := make([]uint32, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	all = append(all, c.Added...)
	all = append(all, c.Updated...)
	return append(all, c.Removed...)
}

func (c AwarenessChange) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

type AwarenessObserver func(change AwarenessChange, origin any)

type awarenessEntry struct {
	clock uint64
	state []byte // nil once removed; the clock is kept so removals can be encoded
}

// Awareness holds the ephemeral presence state of every client of one document.
// The entry with the higher clock wins; a null state removes the entry.
type Awareness struct {
	mu       sync.Mutex
	clientID uint32
	states   map[uint32]*awarenessEntry

	obsMu     sync.RWMutex
	observers map[uint64]AwarenessObserver
	nextObsID uint64
}

// NewClientID returns a random volatile client id
func NewClientID() uint32 {
	return rand.Uint32()
}

// NewAwareness creates a registry owned by clientID. Use 0 on the server,
// where no local presence exists.
func NewAwareness(clientID uint32) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    make(map[uint32]*awarenessEntry),
		observers: make(map[uint64]AwarenessObserver),
	}
}

func (a *Awareness) ClientID() uint32 {
	return a.clientID
}

func (a *Awareness) OnChange(fn AwarenessObserver) func() {
	a.obsMu.Lock()
	id := a.nextObsID
	a.nextObsID++
	a.observers[id] = fn
	a.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.obsMu.Lock()
			delete(a.observers, id)
			a.obsMu.Unlock()
		})
	}
}

func (a *Awareness) emit(change AwarenessChange, origin any) {
	if change.Empty() {
		return
	}

	a.obsMu.RLock()
	observers := make([]AwarenessObserver, 0, len(a.observers))
	for _, fn := range a.observers {
		observers = append(observers, fn)
	}
	a.obsMu.RUnlock()

	for _, fn := range observers {
		fn(change, origin)
	}
}

// SetLocalState publishes the local client's presence. A nil state removes it.
func (a *Awareness) SetLocalState(state any) error {
	raw := nullState
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal awareness state: %w", err)
		}
		raw = b
	}

	a.mu.Lock()
	change := a.set(a.clientID, raw, true)
	a.mu.Unlock()

	a.emit(change, nil)
	return nil
}

// LocalState returns the local client's JSON state, nil when unset
func (a *Awareness) LocalState() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.states[a.clientID]; ok && e.state != nil {
		return append([]byte(nil), e.state...)
	}
	return nil
}

// States returns a copy of every live state keyed by client id
func (a *Awareness) States() map[uint32][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint32][]byte, len(a.states))
	for id, e := range a.states {
		if e.state != nil {
			out[id] = append([]byte(nil), e.state...)
		}
	}
	return out
}

// ClientIDs returns the ids of every live state, sorted
func (a *Awareness) ClientIDs() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint32, 0, len(a.states))
	for id, e := range a.states {
		if e.state != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// set records a state for id. bump increments the clock (local writes);
// otherwise the caller has already decided the incoming clock wins.
func (a *Awareness) set(id uint32, raw []byte, bump bool) AwarenessChange {
	var change AwarenessChange
	removing := bytes.Equal(raw, nullState)

	e, ok := a.states[id]
	if !ok {
		e = &awarenessEntry{}
		a.states[id] = e
	}
	if bump {
		e.clock++
	}

	switch {
	case removing && e.state != nil:
		change.Removed = append(change.Removed, id)
		e.state = nil
	case removing:
	case e.state == nil:
		change.Added = append(change.Added, id)
		e.state = append([]byte(nil), raw...)
	default:
		change.Updated = append(change.Updated, id)
		e.state = append([]byte(nil), raw...)
	}
	return change
}

// Apply merges a remote awareness update and notifies observers with origin.
// Entries addressed to the local client id are ignored.
func (a *Awareness) Apply(update []byte, origin any) (AwarenessChange, error) {
	d := protocol.NewDecoder(update)
	n, err := d.ReadVarUint()
	if err != nil {
		return AwarenessChange{}, fmt.Errorf("failed to read awareness update: %w", err)
	}

	type incoming struct {
		id    uint32
		clock uint64
		state []byte
	}
	entries := make([]incoming, 0, min(n, 64))
	for i := uint64(0); i < n; i++ {
		id, err := d.ReadVarUint()
		if err != nil {
			return AwarenessChange{}, fmt.Errorf("failed to read awareness client id: %w", err)
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return AwarenessChange{}, fmt.Errorf("failed to read awareness clock: %w", err)
		}
		state, err := d.ReadVarBytes()
		if err != nil {
			return AwarenessChange{}, fmt.Errorf("failed to read awareness state: %w", err)
		}
		if !json.Valid(state) {
			return AwarenessChange{}, fmt.Errorf("invalid awareness state for client %d", id)
		}
		entries = append(entries, incoming{id: uint32(id), clock: clock, state: state})
	}

	var change AwarenessChange
	a.mu.Lock()
	for _, in := range entries {
		if in.id == a.clientID && a.clientID != 0 {
			continue
		}
		curr, ok := a.states[in.id]
		removing := bytes.Equal(in.state, nullState)
		wins := !ok || curr.clock < in.clock || (curr.clock == in.clock && removing && curr.state != nil)
		if !wins {
			continue
		}
		c := a.set(in.id, in.state, false)
		a.states[in.id].clock = in.clock
		change.Added = append(change.Added, c.Added...)
		change.Updated = append(change.Updated, c.Updated...)
		change.Removed = append(change.Removed, c.Removed...)
	}
	a.mu.Unlock()

	a.emit(change, origin)
	return change, nil
}

// Encode builds an update carrying the given clients. Removed clients are
// encoded with a null state; unknown ids are skipped.
func (a *Awareness) Encode(clientIDs []uint32) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	known := make([]uint32, 0, len(clientIDs))
	for _, id := range clientIDs {
		if _, ok := a.states[id]; ok {
			known = append(known, id)
		}
	}

	e := protocol.NewEncoder()
	e.WriteVarUint(uint64(len(known)))
	for _, id := range known {
		entry := a.states[id]
		e.WriteVarUint(uint64(id))
		e.WriteVarUint(entry.clock)
		if entry.state == nil {
			e.WriteVarBytes(nullState)
		} else {
			e.WriteVarBytes(entry.state)
		}
	}
	return e.Bytes()
}

// EncodeAll builds an update carrying every live state
func (a *Awareness) EncodeAll() []byte {
	return a.Encode(a.ClientIDs())
}

// RemoveStates drops the given clients, typically those owned by a closed
// connection, and notifies observers with origin.
func (a *Awareness) RemoveStates(clientIDs []uint32, origin any) AwarenessChange {
	var change AwarenessChange

	a.mu.Lock()
	for _, id := range clientIDs {
		e, ok := a.states[id]
		if !ok || e.state == nil {
			continue
		}
		e.clock++
		e.state = nil
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()

	a.emit(change, origin)
	return change
}
