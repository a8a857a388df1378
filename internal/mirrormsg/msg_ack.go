package mirrormsg

import "github.com/openmined/syftmirror/internal/replication"

type Ack struct {
	OriginalId string `json:"oid" msgpack:"oid"`
}

func NewAck(originalMsgId string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgAck,
		Data: &Ack{OriginalId: originalMsgId},
	}
}

type Nack struct {
	OriginalId string `json:"oid" msgpack:"oid"`
	Error      string `json:"err" msgpack:"err"`
}

func NewNack(originalMsgId string, err string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgNack,
		Data: &Nack{
			OriginalId: originalMsgId,
			Error:      err,
		},
	}
}

// NewReply acknowledges a successful response and rejects a failed one.
func NewReply(originalMsgId string, resp *replication.Response) *Message {
	if resp.OK() {
		return NewAck(originalMsgId)
	}
	return NewNack(originalMsgId, resp.Error)
}

// ReplyOf extracts the id of the answered message and the response an Ack
// or Nack stands for. ok is false for any other message type.
func ReplyOf(msg *Message) (originalId string, resp *replication.Response, ok bool) {
	switch v := msg.Data.(type) {
	case Ack:
		return v.OriginalId, replication.Success(), true
	case *Ack:
		return v.OriginalId, replication.Success(), true
	case Nack:
		return v.OriginalId, &replication.Response{Status: replication.StatusFailure, Error: v.Error}, true
	case *Nack:
		return v.OriginalId, &replication.Response{Status: replication.StatusFailure, Error: v.Error}, true
	default:
		return "", nil, false
	}
}
