package twinwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

func sampleTwin() twin.TwinModel {
	return twin.TwinModel{
		HostID: "did:host",
		ID:     "did:twin",
		Properties: []twin.Property{
			twin.URIProperty(twin.RDFType, twin.SoftwareAppURI),
			twin.LangProperty(twin.RDFSLabel, "voiture", "fr"),
			twin.LiteralProperty("speedLimit", "50", "integer"),
		},
		Feeds: []twin.Port{{
			ID:         "status",
			StoreLast:  true,
			Properties: []twin.Property{twin.StringProperty(twin.RDFSComment, "status feed")},
			Values:     []twin.NamedValue{{Label: "speed", DataType: "decimal", Comment: "km/h", Value: "42"}},
		}},
		Inputs: []twin.Port{{ID: "cmd", Properties: []twin.Property{}, Values: []twin.NamedValue{}}},
	}
}

func throughBytes(t *testing.T, s *structpb.Struct) *structpb.Struct {
	t.Helper()
	data, err := proto.Marshal(s)
	require.NoError(t, err)
	var out structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &out))
	return &out
}

func TestTwinRoundTrip(t *testing.T) {
	original := sampleTwin()

	encoded, err := EncodeTwin(original)
	require.NoError(t, err)
	decoded, err := DecodeTwin(throughBytes(t, encoded))
	require.NoError(t, err)

	assert.True(t, original.Equal(decoded), "decoded: %+v", decoded)
}

func TestTwinsPage(t *testing.T) {
	a, b := sampleTwin(), sampleTwin()
	b.ID = "did:other"

	encoded, err := EncodeTwins([]twin.TwinModel{a, b})
	require.NoError(t, err)
	decoded, err := DecodeTwins(throughBytes(t, encoded))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.True(t, b.Equal(decoded[1]))

	empty, err := EncodeTwins(nil)
	require.NoError(t, err)
	decoded, err = DecodeTwins(empty)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestSearchRoundTrip(t *testing.T) {
	req := directory.SearchRequest{Filter: twin.SearchFilter{
		Text:         "car",
		Location:     &twin.GeoCircle{Lat: 1.5, Lon: -2.25, RadiusKm: 3},
		Properties:   []twin.Property{twin.URIProperty(twin.RDFType, twin.SoftwareAppURI)},
		Scope:        twin.ScopeLocal,
		ResponseType: twin.ResponseLocated,
		Expiry:       1500 * time.Millisecond,
	}}

	encoded, err := EncodeSearch(req)
	require.NoError(t, err)
	decoded, err := DecodeSearch(throughBytes(t, encoded))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestShareAndRecordRoundTrip(t *testing.T) {
	at := time.Date(2025, 5, 6, 7, 8, 9, 123000000, time.UTC)
	feed := twin.FeedRef{HostID: "h", TwinID: "t", FeedID: "f"}

	t.Run("share", func(t *testing.T) {
		req := directory.ShareRequest{Feed: feed, Payload: []byte{0, 1, 2}, MimeType: "application/octet-stream", OccurredAt: at}
		encoded, err := EncodeShare(req)
		require.NoError(t, err)
		decoded, err := DecodeShare(throughBytes(t, encoded))
		require.NoError(t, err)
		assert.Equal(t, req, decoded)
	})

	t.Run("record", func(t *testing.T) {
		rec := twin.FeedRecord{FollowerTwinID: "did:f", Feed: feed, MimeType: twin.DefaultMimeType, OccurredAt: at, Payload: []byte(`{"a":"1"}`)}
		encoded, err := EncodeRecord(rec)
		require.NoError(t, err)
		decoded, err := DecodeRecord(throughBytes(t, encoded))
		require.NoError(t, err)
		assert.Equal(t, rec, decoded)
	})

	t.Run("fetch", func(t *testing.T) {
		req := directory.FetchRequest{Interest: twin.Interest{FollowerTwinID: "did:f", FollowedFeed: feed}, FetchLastStored: true}
		encoded, err := EncodeFetch(req)
		require.NoError(t, err)
		assert.Equal(t, req, DecodeFetch(throughBytes(t, encoded)))
	})

	t.Run("ack", func(t *testing.T) {
		ack := directory.Ack{Feed: feed, ReceivedAt: at}
		encoded, err := EncodeAck(ack)
		require.NoError(t, err)
		decoded, err := DecodeAck(encoded)
		require.NoError(t, err)
		assert.Equal(t, ack, decoded)
	})
}

func TestDecodeRecord_BadPayload(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"payload": "%%%"})
	require.NoError(t, err)
	_, err = DecodeRecord(s)
	assert.Error(t, err)
}
