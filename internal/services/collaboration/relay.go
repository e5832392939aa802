package collaboration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/internal/telemetry"
	"docsync/pkg/crdt"
	"docsync/pkg/protocol"
)

// ChannelPrefix namespaces the per-room pub/sub channels
const ChannelPrefix = "docsync:room:"

const (
	publishTimeout = 2 * time.Second

	// loadWait bounds how long a relayed frame waits for a room still loading here
	loadWait = 10 * time.Second
)

type relayOrigin struct{}

func (relayOrigin) String() string { return "relay" }

// RoomLookup finds a loaded document, waiting for a load in flight
type RoomLookup interface {
	Lookup(ctx context.Context, name string) (*docstore.Document, error)
}

// Relay mirrors document changes between server instances over Redis pub/sub.
// Each message is the instance id followed by a protocol frame. Changes that
// arrived through the relay are never published again.
//
// An instance that loads a room publishes a sync step 1 with its state
// vector; every instance holding the room answers with the step 2 diff, so
// the newcomer catches up on history it never saw.
type Relay struct {
	docstore.BaseExtension

	client     *redis.Client
	rooms      RoomLookup
	instanceID string
	logger     *zap.SugaredLogger

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRelay(client *redis.Client, rooms RoomLookup, logger *zap.SugaredLogger) *Relay {
	return &Relay{
		client:     client,
		rooms:      rooms,
		instanceID: ksuid.New().String(),
		logger:     logger,
	}
}

func (r *Relay) Name() string {
	return "relay"
}

// Start subscribes to every room channel
func (r *Relay) Start(ctx context.Context) error {
	r.pubsub = r.client.PSubscribe(ctx, ChannelPrefix+"*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return fmt.Errorf("failed to subscribe to relay channels: %w", err)
	}

	r.wg.Add(1)
	go r.listen(r.pubsub.Channel())
	r.logger.Infow("✓ Relay subscribed", "instance", r.instanceID)
	return nil
}

func (r *Relay) listen(messages <-chan *redis.Message) {
	defer r.wg.Done()
	for msg := range messages {
		room := strings.TrimPrefix(msg.Channel, ChannelPrefix)
		if err := r.receive(room, []byte(msg.Payload)); err != nil {
			r.logger.Warnw("Dropped relay message", "room", room, "error", err)
		}
	}
}

func (r *Relay) receive(room string, payload []byte) error {
	d := protocol.NewDecoder(payload)
	sender, err := d.ReadVarString()
	if err != nil {
		return err
	}
	if sender == r.instanceID {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadWait)
	defer cancel()
	doc, err := r.rooms.Lookup(ctx, room)
	if errors.Is(err, docstore.ErrDocumentNotFound) {
		// not loaded here; persistence has it on the next load
		return nil
	}
	if err != nil {
		return err
	}

	frame, err := protocol.DecodeFrame(d.Rest())
	if err != nil {
		return err
	}
	if frame.DocumentName != room {
		return fmt.Errorf("frame for %s on channel of %s", frame.DocumentName, room)
	}
	telemetry.RelayMessages.WithLabelValues("in").Inc()

	switch frame.Type {
	case protocol.MessageSync:
		step, data, err := frame.Sync()
		if err != nil {
			return err
		}
		if step == protocol.SyncStep1 {
			r.answer(doc, data)
			return nil
		}
		if _, err := doc.Doc().ApplyUpdate(data, relayOrigin{}); err != nil {
			return err
		}
	case protocol.MessageAwareness:
		update, err := frame.Awareness()
		if err != nil {
			return err
		}
		if _, err := doc.Awareness().Apply(update, relayOrigin{}); err != nil {
			return err
		}
	default:
		doc.Broadcast(frame.Raw, "")
	}
	return nil
}

func (r *Relay) publish(room string, frame []byte) {
	e := protocol.NewEncoder()
	e.WriteVarString(r.instanceID)
	e.WriteRaw(frame)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, ChannelPrefix+room, e.Bytes()).Err(); err != nil {
		r.logger.Warnw("Failed to publish to relay", "room", room, "error", err)
		return
	}
	telemetry.RelayMessages.WithLabelValues("out").Inc()
}

// answer publishes what the holder of stateVector is missing
func (r *Relay) answer(doc *docstore.Document, stateVector []byte) {
	if bytes.Equal(stateVector, doc.Doc().EncodeStateVector()) {
		return
	}
	diff, err := doc.Doc().EncodeDiff(stateVector)
	if err != nil {
		r.logger.Warnw("Failed to encode relay catch-up", "room", doc.Name(), "error", err)
		return
	}
	r.publish(doc.Name(), protocol.EncodeSyncStep2(doc.Name(), diff))
}

// OnLoadDocument asks the other instances for the history of the room
func (r *Relay) OnLoadDocument(_ context.Context, doc *docstore.Document) error {
	r.publish(doc.Name(), protocol.EncodeSyncStep1(doc.Name(), doc.Doc().EncodeStateVector()))
	return nil
}

func (r *Relay) OnChange(doc *docstore.Document, update []byte, origin any) {
	if _, relayed := origin.(relayOrigin); relayed {
		return
	}
	r.publish(doc.Name(), protocol.EncodeSyncUpdate(doc.Name(), update))
}

func (r *Relay) OnAwareness(doc *docstore.Document, change crdt.AwarenessChange, origin any) {
	if _, relayed := origin.(relayOrigin); relayed {
		return
	}
	r.publish(doc.Name(), protocol.EncodeAwareness(doc.Name(), doc.Awareness().Encode(change.All())))
}

// Close unsubscribes and waits for the listener to stop
func (r *Relay) Close() error {
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.wg.Wait()
	return err
}
