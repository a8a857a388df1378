package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/openmined/syftmirror/internal/mirrormsg"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding indicates which wire encoding is used for WebSocket messages.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

const (
	// HeaderEncodings carries the client's comma separated preference list.
	HeaderEncodings = "X-Mirror-WS-Encodings"
	// HeaderEncoding carries the encoding the server picked.
	HeaderEncoding = "X-Mirror-WS-Encoding"
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

// MaxMessageSize bounds a single websocket frame, and so the largest file
// that can be replicated. Both ends apply it as their read limit.
const MaxMessageSize = 64 << 20

const (
	magic0  = byte('S')
	magic1  = byte('M')
	version = byte(1)
)

// PreferredEncoding returns the first known encoding in a comma separated
// list such as "msgpack,json". Unknown or empty lists yield EncodingJSON.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// ParseEncoding accepts exactly "json" or "msgpack".
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return EncodingJSON, nil
	case "msgpack":
		return EncodingMsgPack, nil
	default:
		return EncodingJSON, fmt.Errorf("unknown encoding %q", s)
	}
}

// Marshal encodes a message for WebSocket transport.
// JSON goes out as a text frame. MsgPack goes out as a binary frame wrapped in
// [magic][version][encoding][payload].
func Marshal(msg *mirrormsg.Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := jsonMarshal(msg)
		return websocket.MessageText, data, err
	}

	payload, err := marshalMsgpack(msg)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a WebSocket frame into a message.
func Unmarshal(typ websocket.MessageType, data []byte) (*mirrormsg.Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var msg mirrormsg.Message
		if err := jsonUnmarshal(data, &msg); err != nil {
			return nil, EncodingJSON, err
		}
		return &msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary message missing SM envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported ws envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]
		switch enc {
		case EncodingMsgPack:
			msg, err := unmarshalMsgpack(payload)
			return msg, enc, err
		case EncodingJSON:
			var msg mirrormsg.Message
			if err := jsonUnmarshal(payload, &msg); err != nil {
				return nil, enc, err
			}
			return &msg, enc, nil
		default:
			return nil, enc, fmt.Errorf("unknown ws encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported websocket message type: %v", typ)
	}
}

type wireMessage struct {
	Id   string                `msgpack:"id"`
	Type mirrormsg.MessageType `msgpack:"typ"`
	Data []byte                `msgpack:"dat"`
}

// encodePayload accepts the payload either by value or by pointer.
func encodePayload[T any](data any) ([]byte, error) {
	switch v := data.(type) {
	case T:
		return msgpack.Marshal(&v)
	case *T:
		if v == nil {
			return nil, fmt.Errorf("nil %T payload", v)
		}
		return msgpack.Marshal(v)
	default:
		var zero T
		return nil, fmt.Errorf("invalid payload type %T, want %T", data, zero)
	}
}

func decodePayload[T any](data []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(data, &v)
	return v, err
}

func marshalMsgpack(msg *mirrormsg.Message) ([]byte, error) {
	var dat []byte
	var err error

	switch msg.Type {
	case mirrormsg.MsgSystem:
		dat, err = encodePayload[mirrormsg.System](msg.Data)
	case mirrormsg.MsgError:
		dat, err = encodePayload[mirrormsg.Error](msg.Data)
	case mirrormsg.MsgReplicate:
		dat, err = encodePayload[replication.Request](msg.Data)
	case mirrormsg.MsgManifest:
		dat, err = encodePayload[replication.Manifest](msg.Data)
	case mirrormsg.MsgAck:
		dat, err = encodePayload[mirrormsg.Ack](msg.Data)
	case mirrormsg.MsgNack:
		dat, err = encodePayload[mirrormsg.Nack](msg.Data)
	default:
		return nil, fmt.Errorf("unknown message type: %d", msg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", msg.Type, err)
	}

	w := wireMessage{Id: msg.Id, Type: msg.Type, Data: dat}
	return msgpack.Marshal(&w)
}

func unmarshalMsgpack(payload []byte) (*mirrormsg.Message, error) {
	var w wireMessage
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}

	msg := &mirrormsg.Message{Id: w.Id, Type: w.Type}
	var err error
	switch w.Type {
	case mirrormsg.MsgSystem:
		msg.Data, err = decodePayload[mirrormsg.System](w.Data)
	case mirrormsg.MsgError:
		msg.Data, err = decodePayload[mirrormsg.Error](w.Data)
	case mirrormsg.MsgReplicate:
		msg.Data, err = decodePayload[replication.Request](w.Data)
	case mirrormsg.MsgManifest:
		msg.Data, err = decodePayload[replication.Manifest](w.Data)
	case mirrormsg.MsgAck:
		msg.Data, err = decodePayload[mirrormsg.Ack](w.Data)
	case mirrormsg.MsgNack:
		msg.Data, err = decodePayload[mirrormsg.Nack](w.Data)
	default:
		return nil, fmt.Errorf("unknown message type: %d", w.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", w.Type, err)
	}
	return msg, nil
}
