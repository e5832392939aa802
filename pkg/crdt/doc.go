package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"docsync/pkg/protocol"
)

/*
Doc is a replica of one shared document backed by automerge.

Vocabulary used across the repo:
  - update:       opaque binary diff (change chunks or a full save); applying it is
                  commutative and idempotent
  - state vector: the sorted heads of the replica; equal heads mean equal content
  - origin:       tag attached to a transaction so observers can tell who caused it

Observers run after the replica lock is released, in the goroutine that applied the change.
*/

// ContentKey is the root key of the text object carried by every document.
const ContentKey = "content"

const hashSize = 32

// seedActor authors the change that creates the content text. The change is
// built with a fixed actor and timestamp, so every replica that initializes a
// document independently ends up with the same change hash and one shared
// content object.
const seedActor = "646f6373796e63"

var (
	seedOnce sync.Once
	seed     []byte
	seedErr  error
)

func contentSeed() ([]byte, error) {
	seedOnce.Do(func() {
		doc := automerge.New()
		if seedErr = doc.SetActorID(seedActor); seedErr != nil {
			return
		}
		if seedErr = doc.Path(ContentKey).Set(automerge.NewText("")); seedErr != nil {
			return
		}
		epoch := time.Unix(0, 0)
		if _, seedErr = doc.Commit("", automerge.CommitOptions{Time: &epoch}); seedErr != nil {
			return
		}
		seed = doc.Save()
	})
	if seedErr != nil {
		return nil, fmt.Errorf("failed to build content seed: %w", seedErr)
	}
	return seed, nil
}

// UpdateObserver receives the diff of a committed change and its origin
type UpdateObserver func(update []byte, origin any)

type Doc struct {
	mu  sync.Mutex
	doc *automerge.Doc

	obsMu     sync.RWMutex
	observers map[uint64]UpdateObserver
	nextObsID uint64
}

// New creates an empty replica
func New() *Doc {
	return &Doc{
		doc:       automerge.New(),
		observers: make(map[uint64]UpdateObserver),
	}
}

// Load creates a replica from a full encoded state
func Load(state []byte) (*Doc, error) {
	d, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}
	return &Doc{
		doc:       d,
		observers: make(map[uint64]UpdateObserver),
	}, nil
}

// OnUpdate registers an observer and returns the function that removes it
func (d *Doc) OnUpdate(fn UpdateObserver) func() {
	d.obsMu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[id] = fn
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			delete(d.observers, id)
			d.obsMu.Unlock()
		})
	}
}

func (d *Doc) notify(update []byte, origin any) {
	d.obsMu.RLock()
	observers := make([]UpdateObserver, 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.obsMu.RUnlock()

	for _, fn := range observers {
		fn(update, origin)
	}
}

// ApplyUpdate merges an update into the replica. changed is false when the
// update carried nothing new (or only changes whose dependencies are still missing).
func (d *Doc) ApplyUpdate(update []byte, origin any) (bool, error) {
	d.mu.Lock()
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("failed to apply update: %w", err)
	}
	after := d.doc.Heads()
	if sameHeads(before, after) {
		d.mu.Unlock()
		return false, nil
	}
	diff, err := d.changesSince(before)
	d.mu.Unlock()
	if err != nil {
		return true, err
	}

	d.notify(diff, origin)
	return true, nil
}

// Transact runs fn against the underlying automerge document as one local
// change and notifies observers with the resulting diff.
func (d *Doc) Transact(origin any, fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	before := d.doc.Heads()
	if err := fn(d.doc); err != nil {
		d.mu.Unlock()
		return err
	}
	// Heads closes the pending transaction.
	after := d.doc.Heads()
	if sameHeads(before, after) {
		d.mu.Unlock()
		return nil
	}
	diff, err := d.changesSince(before)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.notify(diff, origin)
	return nil
}

func (d *Doc) changesSince(heads []automerge.ChangeHash) ([]byte, error) {
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	return automerge.SaveChanges(changes), nil
}

// EncodeStateAsUpdate returns the full state as an update any replica can merge
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// EncodeStateVector returns the sorted heads: varuint(count) then 32 bytes per head
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	heads := d.doc.Heads()
	d.mu.Unlock()
	return encodeHeads(heads)
}

// EncodeDiff returns the changes the holder of stateVector is missing. When the
// vector names heads this replica does not know, the full state is returned.
func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	heads, err := decodeHeads(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return d.doc.Save(), nil
	}
	return automerge.SaveChanges(changes), nil
}

// Fingerprint hashes the current state vector
func (d *Doc) Fingerprint() string {
	return Fingerprint(d.EncodeStateVector())
}

// Text returns the document's content text
func (d *Doc) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.doc.Path(ContentKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return v.Text().Get()
}

// HasContent reports whether the content text object exists
func (d *Doc) HasContent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.doc.Path(ContentKey).Get()
	return err == nil && v.Kind() == automerge.KindText
}

// InitContent creates the content text object when it does not exist yet.
// The object comes from a fixed seed change, so replicas initialized apart
// converge on one content text instead of competing ones.
func (d *Doc) InitContent(origin any) error {
	if d.HasContent() {
		return nil
	}
	seed, err := contentSeed()
	if err != nil {
		return err
	}
	_, err = d.ApplyUpdate(seed, origin)
	return err
}

// InsertText inserts s at pos in the content text; pos beyond the end appends
func (d *Doc) InsertText(origin any, pos int, s string) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		text := doc.Path(ContentKey).Text()
		if n := text.Len(); pos > n || pos < 0 {
			pos = n
		}
		if err := text.Insert(pos, s); err != nil {
			return fmt.Errorf("failed to insert text: %w", err)
		}
		return nil
	})
}

// DeleteText removes n characters starting at pos from the content text
func (d *Doc) DeleteText(origin any, pos, n int) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		if err := doc.Path(ContentKey).Text().Delete(pos, n); err != nil {
			return fmt.Errorf("failed to delete text: %w", err)
		}
		return nil
	})
}

func sortHeads(heads []automerge.ChangeHash) []automerge.ChangeHash {
	sorted := make([]automerge.ChangeHash, len(heads))
	copy(sorted, heads)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	return sorted
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = sortHeads(a), sortHeads(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	e := protocol.NewEncoder()
	e.WriteVarUint(uint64(len(heads)))
	for _, h := range sortHeads(heads) {
		e.WriteRaw(h[:])
	}
	return e.Bytes()
}

func decodeHeads(stateVector []byte) ([]automerge.ChangeHash, error) {
	if len(stateVector) == 0 {
		return nil, nil
	}

	dec := protocol.NewDecoder(stateVector)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("failed to read state vector: %w", err)
	}
	if n > uint64(dec.Remaining()/hashSize) {
		return nil, fmt.Errorf("failed to read state vector: %w", protocol.ErrUnexpectedEOF)
	}

	heads := make([]automerge.ChangeHash, 0, n)
	for i := uint64(0); i < n; i++ {
		raw, err := dec.ReadRaw(hashSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read state vector: %w", err)
		}
		var h automerge.ChangeHash
		copy(h[:], raw)
		heads = append(heads, h)
	}
	return heads, nil
}
