package twin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const carJSON = `{
  "hostDid": "did:host:1",
  "id": "did:twin:car",
  "properties": [
    {"key": "http://www.w3.org/2000/01/rdf-schema#label", "type": "StringLiteral", "value": "Car"}
  ],
  "feeds": [
    {"id": "status", "storeLast": true, "values": [
      {"label": "speed", "dataType": "decimal"},
      {"label": "fuel", "dataType": "integer"}
    ]},
    {"id": "idle"}
  ]
}`

func TestParseTwinModel(t *testing.T) {
	m, err := ParseTwinModel([]byte(carJSON))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, TwinRef{HostID: "did:host:1", TwinID: "did:twin:car"}, m.Ref())
	assert.Len(t, m.Feeds, 2)
	assert.NotNil(t, m.Inputs)
	assert.NotNil(t, m.Feeds[1].Values)

	label, ok := m.FindProperty(RDFSLabel)
	require.True(t, ok)
	assert.Equal(t, "Car", label.Value)

	assert.Equal(t, []FeedRef{
		{HostID: "did:host:1", TwinID: "did:twin:car", FeedID: "status"},
		{HostID: "did:host:1", TwinID: "did:twin:car", FeedID: "idle"},
	}, m.FeedRefs())
}

func TestParseTwinModels(t *testing.T) {
	t.Run("single_object", func(t *testing.T) {
		models, err := ParseTwinModels([]byte(carJSON))
		require.NoError(t, err)
		assert.Len(t, models, 1)
	})

	t.Run("array", func(t *testing.T) {
		models, err := ParseTwinModels([]byte("[" + carJSON + "," + carJSON + "]"))
		require.NoError(t, err)
		assert.Len(t, models, 2)
	})

	t.Run("empty_body", func(t *testing.T) {
		_, err := ParseTwinModels([]byte("  "))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestPort_SharesAndPayload(t *testing.T) {
	m, err := ParseTwinModel([]byte(carJSON))
	require.NoError(t, err)
	status := m.Feeds[0]

	assert.Nil(t, status.Payload(), "no values set means nothing to share")

	status.SetShares(map[string]string{"speed": "12.5", "unknown": "x"})
	payload := status.Payload()

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, map[string]string{"speed": "12.5"}, decoded)
}

func TestPort_Validate(t *testing.T) {
	t.Run("duplicate_labels", func(t *testing.T) {
		p := Port{ID: "f", Values: []NamedValue{{Label: "a"}, {Label: "a"}}}
		assert.ErrorIs(t, p.Validate(), ErrValidation)
	})
	t.Run("empty_id", func(t *testing.T) {
		assert.ErrorIs(t, Port{}.Validate(), ErrValidation)
	})
}

func TestTwinModel_Equal(t *testing.T) {
	a, err := ParseTwinModel([]byte(carJSON))
	require.NoError(t, err)
	b, err := ParseTwinModel([]byte(carJSON))
	require.NoError(t, err)

	b.Feeds[0], b.Feeds[1] = b.Feeds[1], b.Feeds[0]
	vals := b.Feeds[1].Values
	vals[0], vals[1] = vals[1], vals[0]
	assert.True(t, a.Equal(b), "ordering must not matter")

	b.Feeds[1].StoreLast = false
	assert.False(t, a.Equal(b))
}

func TestPublishItems(t *testing.T) {
	m, err := ParseTwinModel([]byte(carJSON))
	require.NoError(t, err)
	m.Feeds[0].SetShares(map[string]string{"fuel": "40"})

	items := PublishItems(m)
	require.Len(t, items, 2)
	assert.False(t, items[0].Empty())
	assert.True(t, items[1].Empty())
	assert.Equal(t, "status", items[0].Feed.FeedID)
	assert.Equal(t, DefaultMimeType, items[0].MimeType)
}
