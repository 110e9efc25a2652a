// Package protocol defines the push envelope and the command DTOs shared by the push
// channel, the command client and the test servers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types carried by the push channel.
const (
	TypeResourceUpdate = "resource_update"
	TypeBuildingUpdate = "building_update"
	TypeDistrictUpdate = "district_update"
	TypeNotification   = "notification"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Envelope wraps every push frame. Version is the authoritative version of the entity
// the payload describes; notifications and heartbeats carry zero.
type Envelope struct {
	Type    string          `json:"type"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// Encode marshals payload into an envelope frame.
func Encode(typ string, version int64, payload any) ([]byte, error) {
	e := Envelope{Type: typ, Version: version}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		e.Payload = raw
	}
	return json.Marshal(e)
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}
