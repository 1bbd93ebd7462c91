package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the signaling message union.
type Kind string

const (
	KindHello      Kind = "hello"
	KindICEServers Kind = "iceServers"
	KindOffer      Kind = "offer"
	KindAnswer     Kind = "answer"
	KindCandidate  Kind = "candidate"
	KindBye        Kind = "bye"
	KindError      Kind = "error"
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrMissingID = errors.New("missing id field")
)

// ICEServer describes one traversal server handed to the media engine.
type ICEServer struct {
	URLs []string `json:"urls"`
}

// Message is one signaling message on the wire. On every routed message the
// id denotes the other party relative to the receiver: the relay rewrites it
// to the sender's registry identity before forwarding.
type Message struct {
	Type       Kind            `json:"type"`
	ID         Identity        `json:"id,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	ICEServers []ICEServer     `json:"iceServers,omitempty"`
	Status     string          `json:"status,omitempty"`
	Msg        string          `json:"msg,omitempty"`
}

func Hello(id Identity) Message {
	return Message{Type: KindHello, ID: id}
}

func ServerList(id Identity, servers []ICEServer) Message {
	return Message{Type: KindICEServers, ID: id, ICEServers: servers}
}

func Offer(id Identity, sdp string) Message {
	return Message{Type: KindOffer, ID: id, SDP: sdp}
}

func Answer(id Identity, sdp string) Message {
	return Message{Type: KindAnswer, ID: id, SDP: sdp}
}

func Candidate(id Identity, candidate json.RawMessage) Message {
	return Message{Type: KindCandidate, ID: id, Candidate: candidate}
}

func Bye(id Identity) Message {
	return Message{Type: KindBye, ID: id}
}

func Error(msg string) Message {
	return Message{Type: KindError, Status: "err", Msg: msg}
}

func Pong() Message {
	return Message{Type: KindPong}
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes a message fail-closed: unknown fields are rejected and the
// kind-specific required fields are checked before anything is trusted.
func Parse(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch m.Type {
	case KindHello, KindBye, KindICEServers:
		if m.ID == "" {
			return nil, ErrMissingID
		}
	case KindOffer, KindAnswer:
		if m.ID == "" {
			return nil, ErrMissingID
		}
		if m.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", ErrMalformed, m.Type)
		}
	case KindCandidate:
		if m.ID == "" {
			return nil, ErrMissingID
		}
		if len(m.Candidate) == 0 {
			return nil, fmt.Errorf("%w: candidate without payload", ErrMalformed)
		}
	case KindError, KindPing, KindPong:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Type)
	}
	return &m, nil
}

// PeekKind extracts only the type tag. Used by the relay to spot control
// messages that are answered in place instead of routed.
func PeekKind(data []byte) Kind {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Type
}

// Reroute validates the structural shape of a routed message (the relay
// checks nothing beyond a non-empty string id) and rewrites the id to the
// sender's registry identity. Every other field passes through untouched.
func Reroute(data []byte, sender Identity) (Identity, []byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	target, ok := obj["id"].(string)
	if !ok || target == "" {
		return "", nil, ErrMissingID
	}
	obj["id"] = sender.String()
	out, err := json.Marshal(obj)
	if err != nil {
		return "", nil, fmt.Errorf("reroute: %w", err)
	}
	return Identity(target), out, nil
}
