package mirrormsg

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIds(t *testing.T) {
	a := NewReplicate(replication.NewRemoved("a"))
	b := NewReplicate(replication.NewRemoved("a"))
	assert.Len(t, a.Id, IdSize*2)
	assert.NotEqual(t, a.Id, b.Id)
}

func TestUnmarshalJSON_Replicate(t *testing.T) {
	msg := NewReplicate(replication.NewAddedFile("docs/a.txt", []byte("hello")))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg.Id, decoded.Id)
	assert.Equal(t, MsgReplicate, decoded.Type)

	req, ok := RequestOf(&decoded)
	require.True(t, ok)
	assert.Equal(t, replication.EventAdded, req.Type)
	assert.Equal(t, replication.RelPath("docs/a.txt"), req.Path)
	assert.False(t, req.Dir())
	assert.Equal(t, []byte("hello"), req.Content)

	_, ok = ManifestOf(&decoded)
	assert.False(t, ok)
}

func TestUnmarshalJSON_Manifest(t *testing.T) {
	msg := NewManifest(&replication.Manifest{Paths: []replication.RelPath{"a", "a/b"}})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	m, ok := ManifestOf(&decoded)
	require.True(t, ok)
	assert.Equal(t, []replication.RelPath{"a", "a/b"}, m.Paths)
}

func TestUnmarshalJSON_UnknownType(t *testing.T) {
	var decoded Message
	err := json.Unmarshal([]byte(`{"id":"x","typ":99,"dat":{}}`), &decoded)
	assert.ErrorContains(t, err, "unknown message type")
}

func TestReply(t *testing.T) {
	id, resp, ok := ReplyOf(NewReply("m1", replication.Success()))
	require.True(t, ok)
	assert.Equal(t, "m1", id)
	assert.True(t, resp.OK())

	id, resp, ok = ReplyOf(NewReply("m2", &replication.Response{Status: replication.StatusFailure, Error: "boom"}))
	require.True(t, ok)
	assert.Equal(t, "m2", id)
	assert.False(t, resp.OK())
	assert.Equal(t, "boom", resp.Error)

	// decoded replies carry values, not pointers
	data, err := json.Marshal(NewNack("m3", "nope"))
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	id, resp, ok = ReplyOf(&decoded)
	require.True(t, ok)
	assert.Equal(t, "m3", id)
	assert.Equal(t, "nope", resp.Error)

	_, _, ok = ReplyOf(NewSystemMessage("1", "s", "ok"))
	assert.False(t, ok)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "REPLICATE", MsgReplicate.String())
	assert.Equal(t, "NACK", MsgNack.String())
	assert.Equal(t, "???(42)", MessageType(42).String())
}
