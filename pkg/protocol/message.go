package protocol

import (
	"fmt"
)

/*
Frame layout shared by the WebSocket transport and the poll endpoints:

	varstring(documentName) varuint(messageType) payload

Sync payload:      varuint(syncStep) varbytes(data)
Awareness payload: varbytes(awarenessUpdate)

Carrying the document name in every frame lets the server reject frames that
were routed to the wrong room instead of merging them into another document.
*/

// MessageType identifies the sub-protocol of a frame
type MessageType uint64

const (
	MessageSync               MessageType = 0
	MessageAwareness          MessageType = 1
	MessageAuth               MessageType = 2
	MessageQueryAwareness     MessageType = 3
	MessageSyncReply          MessageType = 4
	MessageStateless          MessageType = 5
	MessageBroadcastStateless MessageType = 6
	MessageClose              MessageType = 7
	MessageSyncStatus         MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	case MessageQueryAwareness:
		return "query_awareness"
	case MessageSyncReply:
		return "sync_reply"
	case MessageStateless:
		return "stateless"
	case MessageBroadcastStateless:
		return "broadcast_stateless"
	case MessageClose:
		return "close"
	case MessageSyncStatus:
		return "sync_status"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// SyncStep identifies a sync sub-message
type SyncStep uint64

const (
	// SyncStep1 carries the sender's state vector and asks for what it is missing.
	SyncStep1 SyncStep = 0
	// SyncStep2 answers a step 1 with the missing updates.
	SyncStep2 SyncStep = 1
	// SyncUpdate carries an incremental update.
	SyncUpdate SyncStep = 2
)

// Frame is a decoded protocol frame. Raw keeps the original bytes so the frame
// can be forwarded unchanged.
type Frame struct {
	DocumentName string
	Type         MessageType
	Payload      []byte
	Raw          []byte
}

// DecodeFrame parses the frame header and keeps the payload undecoded
func DecodeFrame(raw []byte) (*Frame, error) {
	d := NewDecoder(raw)

	name, err := d.ReadVarString()
	if err != nil {
		return nil, fmt.Errorf("failed to read document name: %w", err)
	}

	typ, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("failed to read message type: %w", err)
	}

	return &Frame{
		DocumentName: name,
		Type:         MessageType(typ),
		Payload:      d.Rest(),
		Raw:          raw,
	}, nil
}

// Sync decodes the payload of a sync frame
func (f *Frame) Sync() (SyncStep, []byte, error) {
	if f.Type != MessageSync && f.Type != MessageSyncReply {
		return 0, nil, fmt.Errorf("protocol: %s frame is not a sync frame", f.Type)
	}

	d := NewDecoder(f.Payload)
	step, err := d.ReadVarUint()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read sync step: %w", err)
	}
	data, err := d.ReadVarBytes()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read sync data: %w", err)
	}
	return SyncStep(step), data, nil
}

// Awareness decodes the payload of an awareness frame
func (f *Frame) Awareness() ([]byte, error) {
	if f.Type != MessageAwareness {
		return nil, fmt.Errorf("protocol: %s frame is not an awareness frame", f.Type)
	}
	update, err := NewDecoder(f.Payload).ReadVarBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read awareness update: %w", err)
	}
	return update, nil
}

func header(documentName string, typ MessageType) *Encoder {
	e := NewEncoder()
	e.WriteVarString(documentName)
	e.WriteVarUint(uint64(typ))
	return e
}

func encodeSync(documentName string, step SyncStep, data []byte) []byte {
	e := header(documentName, MessageSync)
	e.WriteVarUint(uint64(step))
	e.WriteVarBytes(data)
	return e.Bytes()
}

func EncodeSyncStep1(documentName string, stateVector []byte) []byte {
	return encodeSync(documentName, SyncStep1, stateVector)
}

func EncodeSyncStep2(documentName string, update []byte) []byte {
	return encodeSync(documentName, SyncStep2, update)
}

func EncodeSyncUpdate(documentName string, update []byte) []byte {
	return encodeSync(documentName, SyncUpdate, update)
}

func EncodeAwareness(documentName string, awarenessUpdate []byte) []byte {
	e := header(documentName, MessageAwareness)
	e.WriteVarBytes(awarenessUpdate)
	return e.Bytes()
}

func EncodeQueryAwareness(documentName string) []byte {
	return header(documentName, MessageQueryAwareness).Bytes()
}

// EncodeStateless builds a frame of an application-defined type carrying an opaque payload.
func EncodeStateless(documentName string, typ MessageType, payload string) []byte {
	e := header(documentName, typ)
	e.WriteVarString(payload)
	return e.Bytes()
}
