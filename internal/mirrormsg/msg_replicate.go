package mirrormsg

import "github.com/openmined/syftmirror/internal/replication"

func NewReplicate(req *replication.Request) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgReplicate,
		Data: req,
	}
}

func NewManifest(m *replication.Manifest) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgManifest,
		Data: m,
	}
}

// RequestOf returns the request carried by a MsgReplicate message.
func RequestOf(msg *Message) (*replication.Request, bool) {
	switch v := msg.Data.(type) {
	case replication.Request:
		return &v, true
	case *replication.Request:
		return v, v != nil
	default:
		return nil, false
	}
}

// ManifestOf returns the manifest carried by a MsgManifest message.
func ManifestOf(msg *Message) (*replication.Manifest, bool) {
	switch v := msg.Data.(type) {
	case replication.Manifest:
		return &v, true
	case *replication.Manifest:
		return v, v != nil
	default:
		return nil, false
	}
}
