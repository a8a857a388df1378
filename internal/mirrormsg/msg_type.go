package mirrormsg

import "fmt"

type MessageType uint16

const (
	MsgSystem MessageType = iota
	MsgError
	MsgReplicate
	MsgManifest
	MsgAck
	MsgNack
)

func (t MessageType) String() string {
	switch t {
	case MsgSystem:
		return "SYSTEM"
	case MsgError:
		return "ERROR"
	case MsgReplicate:
		return "REPLICATE"
	case MsgManifest:
		return "MANIFEST"
	case MsgAck:
		return "ACK"
	case MsgNack:
		return "NACK"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}
