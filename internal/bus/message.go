package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvest-controller/internal/channels"
)

// Message is the unit exchanged over the bus.
//
// The id is assigned when the message is first transmitted and never changes
// afterwards, so a resent message keeps its identity and replies stay correlated.
type Message struct {
	mu sync.Mutex
	id string

	To        channels.Channel
	ReplyTo   channels.Channel
	ReplyOfID string
	OK        bool
	ErrorText string
	Type      string
	Payload   json.RawMessage
	Headers   map[string]string
}

// NewMessage builds an OK message carrying payload encoded as JSON.
func NewMessage(typ string, to, replyTo channels.Channel, payload any) (*Message, error) {
	if to.IsZero() {
		return nil, fmt.Errorf("message %s has no destination: %w", typ, ErrArgumentInvalid)
	}
	if typ == "" {
		return nil, fmt.Errorf("message type is required: %w", ErrArgumentInvalid)
	}
	msg := &Message{To: to, ReplyTo: replyTo, OK: true, Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewReply builds a reply to req, addressed to its reply channel. The reply's
// own reply channel is req's destination.
func NewReply(req *Message, typ string, payload any) (*Message, error) {
	if req == nil {
		return nil, fmt.Errorf("reply to nil message: %w", ErrArgumentInvalid)
	}
	if req.ReplyTo.IsZero() {
		return nil, fmt.Errorf("message %s has no reply channel: %w", req.ID(), ErrArgumentInvalid)
	}
	reply, err := NewMessage(typ, req.ReplyTo, req.To, payload)
	if err != nil {
		return nil, err
	}
	reply.ReplyOfID = req.ID()
	return reply, nil
}

// ID returns the assigned id, or "" before the first send.
func (m *Message) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// HasBeenSent reports whether an id has been assigned.
func (m *Message) HasBeenSent() bool {
	return m.ID() != ""
}

// AssignID sets the id unless one is already set. It reports whether id was taken.
func (m *Message) AssignID(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id != "" || id == "" {
		return false
	}
	m.id = id
	return true
}

// SetError marks the message as not OK with the given text.
func (m *Message) SetError(text string) {
	m.OK = false
	m.ErrorText = text
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload: %w", m.Type, ErrArgumentInvalid)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// String summarizes the message for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s[id=%s to=%s replyOf=%s ok=%t]", m.Type, m.ID(), m.To.Name, m.ReplyOfID, m.OK)
}

// envelope is the wire form of a Message body. A fresh message's id travels
// only in the transport's message-id property; a resent message also carries
// its original id in the body.
type envelope struct {
	ID        string          `json:"id,omitempty"`
	To        string          `json:"to"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	ReplyOfID string          `json:"replyOfId,omitempty"`
	OK        bool            `json:"ok"`
	ErrorText string          `json:"errorText,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode returns the wire body of m.
func (m *Message) Encode() ([]byte, error) {
	env := envelope{
		ID:        m.ID(),
		To:        m.To.Name,
		ReplyTo:   m.ReplyTo.Name,
		ReplyOfID: m.ReplyOfID,
		OK:        m.OK,
		ErrorText: m.ErrorText,
		Type:      m.Type,
		Payload:   m.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unpack rebuilds a Message from a delivery. The id carried in the body wins;
// otherwise the delivery's message id becomes the message id.
func Unpack(d Delivery) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, fmt.Errorf("unpack message %s: %w", d.MessageID, err)
	}
	to, err := channels.FromName(env.To)
	if err != nil {
		return nil, fmt.Errorf("unpack message %s: %w", d.MessageID, err)
	}
	msg := &Message{
		To:        to,
		ReplyOfID: env.ReplyOfID,
		OK:        env.OK,
		ErrorText: env.ErrorText,
		Type:      env.Type,
		Payload:   env.Payload,
		Headers:   d.Headers,
	}
	if env.ReplyTo != "" {
		msg.ReplyTo, err = channels.FromName(env.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("unpack message %s: %w", d.MessageID, err)
		}
	}
	msg.AssignID(env.ID)
	msg.AssignID(d.MessageID)
	return msg, nil
}
