// Package transport implements replication.Transport over websocket, HTTP
// and an in-process loopback.
package transport

import (
	"context"
	"fmt"

	"github.com/openmined/syftmirror/internal/mirrormsg"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/wsproto"
)

// Loopback delivers requests to a Target in the same process. Every request
// and response is encoded and decoded with the websocket codec, so the
// target sees exactly what it would receive from a remote source.
type Loopback struct {
	target *replication.Target
	enc    wsproto.Encoding
}

var (
	_ replication.Transport  = (*Loopback)(nil)
	_ replication.Reconciler = (*Loopback)(nil)
)

func NewLoopback(target *replication.Target, enc wsproto.Encoding) *Loopback {
	return &Loopback{target: target, enc: enc}
}

func (l *Loopback) Send(ctx context.Context, req *replication.Request) (*replication.Response, error) {
	msg, err := l.roundTrip(mirrormsg.NewReplicate(req))
	if err != nil {
		return nil, err
	}
	decoded, ok := mirrormsg.RequestOf(msg)
	if !ok {
		return nil, fmt.Errorf("loopback: unexpected payload %T", msg.Data)
	}
	return l.reply(msg.Id, l.target.Apply(ctx, decoded))
}

func (l *Loopback) Reconcile(ctx context.Context, m *replication.Manifest) (*replication.Response, error) {
	msg, err := l.roundTrip(mirrormsg.NewManifest(m))
	if err != nil {
		return nil, err
	}
	decoded, ok := mirrormsg.ManifestOf(msg)
	if !ok {
		return nil, fmt.Errorf("loopback: unexpected payload %T", msg.Data)
	}
	return l.reply(msg.Id, l.target.Reconcile(ctx, decoded))
}

func (l *Loopback) reply(id string, resp *replication.Response) (*replication.Response, error) {
	msg, err := l.roundTrip(mirrormsg.NewReply(id, resp))
	if err != nil {
		return nil, err
	}
	oid, decoded, ok := mirrormsg.ReplyOf(msg)
	if !ok || oid != id {
		return nil, fmt.Errorf("loopback: reply does not answer %s", id)
	}
	return decoded, nil
}

func (l *Loopback) roundTrip(msg *mirrormsg.Message) (*mirrormsg.Message, error) {
	typ, data, err := wsproto.Marshal(msg, l.enc)
	if err != nil {
		return nil, fmt.Errorf("loopback encode: %w", err)
	}
	decoded, _, err := wsproto.Unmarshal(typ, data)
	if err != nil {
		return nil, fmt.Errorf("loopback decode: %w", err)
	}
	return decoded, nil
}
