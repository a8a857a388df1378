// Package mirrormsg defines the envelope exchanged between a source and a
// target over a websocket session.
package mirrormsg

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/utils"
)

const IdSize = 8

type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

// UnmarshalJSON decodes Data into the concrete payload for Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	type tempMessage struct {
		Id   string          `json:"id"`
		Type MessageType     `json:"typ"`
		Data json.RawMessage `json:"dat"`
	}

	var temp tempMessage
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	m.Id = temp.Id
	m.Type = temp.Type

	switch m.Type {
	case MsgSystem:
		var sys System
		if err := json.Unmarshal(temp.Data, &sys); err != nil {
			return err
		}
		m.Data = sys
	case MsgError:
		var e Error
		if err := json.Unmarshal(temp.Data, &e); err != nil {
			return err
		}
		m.Data = e
	case MsgReplicate:
		var req replication.Request
		if err := json.Unmarshal(temp.Data, &req); err != nil {
			return err
		}
		m.Data = req
	case MsgManifest:
		var manifest replication.Manifest
		if err := json.Unmarshal(temp.Data, &manifest); err != nil {
			return err
		}
		m.Data = manifest
	case MsgAck:
		var ack Ack
		if err := json.Unmarshal(temp.Data, &ack); err != nil {
			return err
		}
		m.Data = ack
	case MsgNack:
		var nack Nack
		if err := json.Unmarshal(temp.Data, &nack); err != nil {
			return err
		}
		m.Data = nack
	default:
		return fmt.Errorf("unknown message type: %d", m.Type)
	}

	return nil
}

func generateID() string {
	return utils.TokenHex(IdSize)
}
