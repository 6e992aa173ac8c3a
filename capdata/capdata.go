// Package capdata implements the kernel's wire-level value types: CapData,
// the serialized capability-carrying value that crosses every kernel
// boundary, and Message, the method-call envelope built from it.
//
// CapData.Body is an opaque, already-marshalled JSON string (the vat's user
// code marshals its own argument/result values; the kernel never interprets
// Body, only Slots). Queued promise-pipeline messages are additionally
// given a hand-written msgp codec: they are the hottest persisted record
// (spec §6, kp.<n>.q.<i>) and the one place in the store where a compact
// binary encoding pays for itself.
package capdata

import (
	"github.com/tinylib/msgp/msgp"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/ids"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CapData is a serialized capability-carrying value: a JSON body plus the
// ordered kernel references ("slots") it cites.
type CapData struct {
	Body  string     `json:"body"`
	Slots []ids.KRef `json:"slots"`
}

// Message is one method invocation: arguments plus an optional result
// promise kref to be fulfilled with the return value.
type Message struct {
	Methargs CapData  `json:"methargs"`
	Result   *ids.KRef `json:"result,omitempty"`
}

// Marshal/Unmarshal are the ordinary JSON path used for everything except
// the hot promise-queue record (vat-worker protocol framing, remote wire
// frames, CapData stored directly in kernel object/promise records).
func (c CapData) Marshal() ([]byte, error)   { return json.Marshal(c) }
func (c *CapData) Unmarshal(b []byte) error  { return json.Unmarshal(b, c) }
func (m Message) Marshal() ([]byte, error)   { return json.Marshal(m) }
func (m *Message) Unmarshal(b []byte) error  { return json.Unmarshal(b, m) }

// MarshalMsg implements msgp.Marshaler by hand (no go:generate step run
// against this tree) using the msgp runtime's Append helpers directly —
// the same primitives generated code would call, just invoked from
// hand-written field order.
func (c CapData) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "body")
	b = msgp.AppendString(b, c.Body)
	b = msgp.AppendString(b, "slots")
	b = msgp.AppendArrayHeader(b, uint32(len(c.Slots)))
	for _, s := range c.Slots {
		b = msgp.AppendString(b, string(s))
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler to match MarshalMsg's field
// order.
func (c *CapData) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "body":
			c.Body, b, err = msgp.ReadStringBytes(b)
		case "slots":
			var cnt uint32
			cnt, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			c.Slots = make([]ids.KRef, cnt)
			for j := uint32(0); j < cnt; j++ {
				var s string
				s, b, err = msgp.ReadStringBytes(b)
				if err != nil {
					return b, err
				}
				c.Slots[j] = ids.KRef(s)
			}
			continue
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

// MarshalMsg/UnmarshalMsg for Message compose CapData's codec with an
// optional result kref.
func (m Message) MarshalMsg(b []byte) ([]byte, error) {
	hasResult := m.Result != nil
	n := 1
	if hasResult {
		n++
	}
	b = msgp.AppendMapHeader(b, uint32(n))
	b = msgp.AppendString(b, "methargs")
	b, err := m.Methargs.MarshalMsg(b)
	if err != nil {
		return b, err
	}
	if hasResult {
		b = msgp.AppendString(b, "result")
		b = msgp.AppendString(b, string(*m.Result))
	}
	return b, nil
}

func (m *Message) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "methargs":
			b, err = m.Methargs.UnmarshalMsg(b)
		case "result":
			var s string
			s, b, err = msgp.ReadStringBytes(b)
			if err == nil {
				kr := ids.KRef(s)
				m.Result = &kr
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

// QueuedMessage pairs a pipelined Message with the kref it was targeted at
// when enqueued — the shape persisted under kp.<n>.q.<i>.
type QueuedMessage struct {
	Target  ids.KRef `json:"target"`
	Message Message  `json:"message"`
}

func (q QueuedMessage) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "target")
	b = msgp.AppendString(b, string(q.Target))
	b = msgp.AppendString(b, "message")
	return q.Message.MarshalMsg(b)
}

func (q *QueuedMessage) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "target":
			var s string
			s, b, err = msgp.ReadStringBytes(b)
			q.Target = ids.KRef(s)
		case "message":
			b, err = q.Message.UnmarshalMsg(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}
