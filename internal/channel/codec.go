package channel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ContentType is the MIME type of encoded channel payloads.
const ContentType = "application/cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding so newer servers can add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// FilterRequest asks the server to install filters under a set id.
type FilterRequest struct {
	SetID   string   `cbor:"1,keyasint"`
	Filters []Filter `cbor:"2,keyasint,omitempty"`
}

// Ack confirms a FilterRequest or a clear request.
type Ack struct {
	RequestID string `cbor:"1,keyasint"`
	OK        bool   `cbor:"2,keyasint"`
	Error     string `cbor:"3,keyasint,omitempty"`
}

func EncodeFilterRequest(req FilterRequest) ([]byte, error) {
	if req.SetID == "" {
		return nil, fmt.Errorf("set id is required")
	}
	return encMode.Marshal(req)
}

func DecodeFilterRequest(data []byte) (FilterRequest, error) {
	var req FilterRequest
	if err := decMode.Unmarshal(data, &req); err != nil {
		return FilterRequest{}, fmt.Errorf("failed to decode filter request: %w", err)
	}
	return req, nil
}

func EncodeAck(ack Ack) ([]byte, error) {
	return encMode.Marshal(ack)
}

func DecodeAck(data []byte) (Ack, error) {
	var ack Ack
	if err := decMode.Unmarshal(data, &ack); err != nil {
		return Ack{}, fmt.Errorf("failed to decode ack: %w", err)
	}
	return ack, nil
}

// EncodeEvent encodes ev and returns its wire kind.
func EncodeEvent(ev Event) ([]byte, EventKind, error) {
	kind := KindOf(ev)
	if kind == "" {
		return nil, "", fmt.Errorf("event is required")
	}

	data, err := encMode.Marshal(ev)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	return data, kind, nil
}

// DecodeEvent decodes a payload of the given kind.
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	switch kind {
	case KindState:
		var ev StateEvent
		if err := decMode.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode state event: %w", err)
		}
		return ev, nil
	case KindInfo:
		var ev InfoEvent
		if err := decMode.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode info event: %w", err)
		}
		return ev, nil
	case KindHeartbeat:
		var ev HeartbeatEvent
		if err := decMode.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode heartbeat event: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
