package envelope

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	origin := uuid.New()

	t.Run("broadcast payload survives byte-for-byte", func(t *testing.T) {
		payloads := [][]byte{
			[]byte("hello"),
			{0x00, 0xff, 0x7f, 0x80},
			[]byte(`{"nested":"json"}`),
			{},
			nil,
		}
		for _, p := range payloads {
			data, err := Encode(Broadcast(origin, "room:1", p))
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, KindBroadcast, got.Kind)
			assert.Equal(t, origin, got.Origin)
			assert.Equal(t, "room:1", got.Topic)
			assert.Equal(t, []byte(p), []byte(got.Payload))
		}
	})

	t.Run("direct broadcast carries target", func(t *testing.T) {
		data, err := Encode(DirectBroadcast(origin, "node-b", "room:1", []byte("hi")))
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, KindDirectBroadcast, got.Kind)
		assert.Equal(t, "node-b", got.Target)
	})

	t.Run("node_name carries node", func(t *testing.T) {
		data, err := Encode(NodeName(origin, "node-a"))
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, KindNodeName, got.Kind)
		assert.Equal(t, "node-a", got.Node)
		assert.Empty(t, got.Topic)
	})

	t.Run("fastlane hint passes through unchanged", func(t *testing.T) {
		e := Broadcast(origin, "room:1", []byte("x"))
		e.Fastlane = json.RawMessage(`["shard-3","shard-7"]`)

		data, err := Encode(e)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.JSONEq(t, `["shard-3","shard-7"]`, string(got.Fastlane))
	})
}

func TestDecodeRejectsCorruptInput(t *testing.T) {
	cases := map[string][]byte{
		"garbage bytes":  {0x01, 0x02, 0x03},
		"empty input":    {},
		"wrong json":     []byte(`[1,2,3]`),
		"unknown kind":   []byte(`{"kind":"multicast","origin":"` + uuid.NewString() + `"}`),
		"missing origin": []byte(`{"kind":"broadcast","topic":"t"}`),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.Error(t, err)
		})
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(Envelope{Kind: "bogus", Origin: uuid.New()})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
