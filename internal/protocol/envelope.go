// Package protocol holds the relay wire format: JSON text frames tagged by "type".
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voiceroom/internal/domain"
)

type Kind string

const (
	KindJoin  Kind = "join"
	KindAudio Kind = "audio"
	KindUsers Kind = "users"
)

// Envelope is one of Join, Audio or Users.
type Envelope interface {
	Kind() Kind
	isEnvelope()
}

// Join announces the sender to the room. Sent once per opened connection.
type Join struct {
	Sender string
}

// Audio carries one base64 PCM16 frame.
type Audio struct {
	Sender  string
	Payload string
}

// Users is the relay's room summary.
type Users struct {
	Count   int
	Members []string
}

func (Join) Kind() Kind  { return KindJoin }
func (Audio) Kind() Kind { return KindAudio }
func (Users) Kind() Kind { return KindUsers }

func (Join) isEnvelope()  {}
func (Audio) isEnvelope() {}
func (Users) isEnvelope() {}

type wireMessage struct {
	Type    Kind     `json:"type"`
	Sender  string   `json:"sender,omitempty"`
	Payload string   `json:"payload,omitempty"`
	Count   *int     `json:"count,omitempty"`
	Users   []string `json:"users,omitempty"`
}

// Encode serializes e. Only the fields of e's kind are written.
func Encode(e Envelope) ([]byte, error) {
	var w wireMessage
	switch m := e.(type) {
	case Join:
		if m.Sender == "" {
			return nil, fmt.Errorf("encode join: empty sender")
		}
		w = wireMessage{Type: KindJoin, Sender: m.Sender}
	case Audio:
		if m.Sender == "" || m.Payload == "" {
			return nil, fmt.Errorf("encode audio: sender and payload required")
		}
		w = wireMessage{Type: KindAudio, Sender: m.Sender, Payload: m.Payload}
	case Users:
		if m.Count < 0 {
			return nil, fmt.Errorf("encode users: negative count %d", m.Count)
		}
		count := m.Count
		w = wireMessage{Type: KindUsers, Count: &count, Users: m.Members}
	default:
		return nil, fmt.Errorf("encode: unsupported envelope %T", e)
	}
	return json.Marshal(w)
}

// Decode parses a text frame. Unknown fields are ignored; anything that is not
// a well-formed envelope yields an error wrapping domain.ErrProtocolParse.
func Decode(data []byte) (Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocolParse, err)
	}

	switch w.Type {
	case KindJoin:
		if w.Sender == "" {
			return nil, fmt.Errorf("%w: join without sender", domain.ErrProtocolParse)
		}
		return Join{Sender: w.Sender}, nil
	case KindAudio:
		if w.Sender == "" || w.Payload == "" {
			return nil, fmt.Errorf("%w: audio without sender or payload", domain.ErrProtocolParse)
		}
		return Audio{Sender: w.Sender, Payload: w.Payload}, nil
	case KindUsers:
		u := Users{Members: w.Users}
		if w.Count != nil {
			if *w.Count < 0 {
				return nil, fmt.Errorf("%w: negative count %d", domain.ErrProtocolParse, *w.Count)
			}
			u.Count = *w.Count
		}
		return u, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", domain.ErrProtocolParse)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrProtocolParse, w.Type)
	}
}
