// Package twinwire converts the twin model to and from protobuf Struct messages,
// the wire form of the directory gRPC service.
package twinwire

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// EncodeTwin converts a twin document.
func EncodeTwin(m twin.TwinModel) (*structpb.Struct, error) {
	return structpb.NewStruct(twinMap(m))
}

// DecodeTwin reverses EncodeTwin.
func DecodeTwin(s *structpb.Struct) (twin.TwinModel, error) {
	return twinFromMap(s.AsMap())
}

// EncodeTwins wraps a page of search results.
func EncodeTwins(models []twin.TwinModel) (*structpb.Struct, error) {
	list := make([]any, 0, len(models))
	for _, m := range models {
		list = append(list, twinMap(m))
	}
	return structpb.NewStruct(map[string]any{"twins": list})
}

// DecodeTwins reverses EncodeTwins.
func DecodeTwins(s *structpb.Struct) ([]twin.TwinModel, error) {
	raw := list(s.AsMap(), "twins")
	out := make([]twin.TwinModel, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("twins[%d]: not an object", i)
		}
		m, err := twinFromMap(obj)
		if err != nil {
			return nil, fmt.Errorf("twins[%d]: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// EncodeTwinRef converts a twin reference.
func EncodeTwinRef(ref twin.TwinRef) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"hostId": ref.HostID, "twinId": ref.TwinID})
}

// DecodeTwinRef reverses EncodeTwinRef.
func DecodeTwinRef(s *structpb.Struct) twin.TwinRef {
	m := s.AsMap()
	return twin.TwinRef{HostID: str(m, "hostId"), TwinID: str(m, "twinId")}
}

// EncodeSearch converts a search request. The expiry travels in milliseconds.
func EncodeSearch(req directory.SearchRequest) (*structpb.Struct, error) {
	f := req.Filter
	m := map[string]any{
		"text":         f.Text,
		"scope":        f.Scope.String(),
		"responseType": f.ResponseType.String(),
		"expiryMs":     float64(f.Expiry.Milliseconds()),
		"properties":   propertyList(f.Properties),
	}
	if f.Location != nil {
		m["location"] = map[string]any{"r": f.Location.RadiusKm, "lat": f.Location.Lat, "lon": f.Location.Lon}
	}
	return structpb.NewStruct(m)
}

// DecodeSearch reverses EncodeSearch.
func DecodeSearch(s *structpb.Struct) (directory.SearchRequest, error) {
	m := s.AsMap()
	f := twin.SearchFilter{
		Text:   str(m, "text"),
		Expiry: time.Duration(num(m, "expiryMs")) * time.Millisecond,
	}
	var err error
	if f.Scope, err = twin.ParseScope(str(m, "scope")); err != nil {
		return directory.SearchRequest{}, err
	}
	if f.ResponseType, err = twin.ParseResponseType(str(m, "responseType")); err != nil {
		return directory.SearchRequest{}, err
	}
	if loc, ok := m["location"].(map[string]any); ok {
		f.Location = &twin.GeoCircle{RadiusKm: num(loc, "r"), Lat: num(loc, "lat"), Lon: num(loc, "lon")}
	}
	if f.Properties, err = propertiesFromList(list(m, "properties")); err != nil {
		return directory.SearchRequest{}, err
	}
	return directory.SearchRequest{Filter: f}, nil
}

// EncodeFetch converts a follow request.
func EncodeFetch(req directory.FetchRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"followerTwinId":  req.Interest.FollowerTwinID,
		"feed":            feedRefMap(req.Interest.FollowedFeed),
		"fetchLastStored": req.FetchLastStored,
	})
}

// DecodeFetch reverses EncodeFetch.
func DecodeFetch(s *structpb.Struct) directory.FetchRequest {
	m := s.AsMap()
	return directory.FetchRequest{
		Interest: twin.Interest{
			FollowerTwinID: str(m, "followerTwinId"),
			FollowedFeed:   feedRefFromMap(obj(m, "feed")),
		},
		FetchLastStored: boolean(m, "fetchLastStored"),
	}
}

// EncodeShare converts a share request.
func EncodeShare(req directory.ShareRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"feed":       feedRefMap(req.Feed),
		"payload":    base64.StdEncoding.EncodeToString(req.Payload),
		"mimeType":   req.MimeType,
		"occurredAt": formatTime(req.OccurredAt),
	})
}

// DecodeShare reverses EncodeShare.
func DecodeShare(s *structpb.Struct) (directory.ShareRequest, error) {
	m := s.AsMap()
	payload, err := base64.StdEncoding.DecodeString(str(m, "payload"))
	if err != nil {
		return directory.ShareRequest{}, fmt.Errorf("payload: %w", err)
	}
	at, err := parseTime(str(m, "occurredAt"))
	if err != nil {
		return directory.ShareRequest{}, err
	}
	return directory.ShareRequest{
		Feed:       feedRefFromMap(obj(m, "feed")),
		Payload:    payload,
		MimeType:   str(m, "mimeType"),
		OccurredAt: at,
	}, nil
}

// EncodeAck converts a share acknowledgement.
func EncodeAck(ack directory.Ack) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"feed":       feedRefMap(ack.Feed),
		"receivedAt": formatTime(ack.ReceivedAt),
	})
}

// DecodeAck reverses EncodeAck.
func DecodeAck(s *structpb.Struct) (directory.Ack, error) {
	m := s.AsMap()
	at, err := parseTime(str(m, "receivedAt"))
	if err != nil {
		return directory.Ack{}, err
	}
	return directory.Ack{Feed: feedRefFromMap(obj(m, "feed")), ReceivedAt: at}, nil
}

// EncodeRecord converts a feed sample delivered on a follow stream.
func EncodeRecord(r twin.FeedRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"followerTwinId": r.FollowerTwinID,
		"feed":           feedRefMap(r.Feed),
		"mimeType":       r.MimeType,
		"occurredAt":     formatTime(r.OccurredAt),
		"payload":        base64.StdEncoding.EncodeToString(r.Payload),
	})
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(s *structpb.Struct) (twin.FeedRecord, error) {
	m := s.AsMap()
	payload, err := base64.StdEncoding.DecodeString(str(m, "payload"))
	if err != nil {
		return twin.FeedRecord{}, fmt.Errorf("payload: %w", err)
	}
	at, err := parseTime(str(m, "occurredAt"))
	if err != nil {
		return twin.FeedRecord{}, err
	}
	return twin.FeedRecord{
		FollowerTwinID: str(m, "followerTwinId"),
		Feed:           feedRefFromMap(obj(m, "feed")),
		MimeType:       str(m, "mimeType"),
		OccurredAt:     at,
		Payload:        payload,
	}, nil
}

func twinMap(m twin.TwinModel) map[string]any {
	return map[string]any{
		"hostId":     m.HostID,
		"id":         m.ID,
		"properties": propertyList(m.Properties),
		"feeds":      portList(m.Feeds),
		"inputs":     portList(m.Inputs),
	}
}

func twinFromMap(m map[string]any) (twin.TwinModel, error) {
	props, err := propertiesFromList(list(m, "properties"))
	if err != nil {
		return twin.TwinModel{}, err
	}
	feeds, err := portsFromList(list(m, "feeds"))
	if err != nil {
		return twin.TwinModel{}, err
	}
	inputs, err := portsFromList(list(m, "inputs"))
	if err != nil {
		return twin.TwinModel{}, err
	}
	return twin.TwinModel{
		HostID:     str(m, "hostId"),
		ID:         str(m, "id"),
		Properties: props,
		Feeds:      feeds,
		Inputs:     inputs,
	}, nil
}

func propertyList(props []twin.Property) []any {
	out := make([]any, 0, len(props))
	for _, p := range props {
		entry := map[string]any{"key": p.Key, "type": p.Kind.String(), "value": p.Value}
		if p.Lang != "" {
			entry["lang"] = p.Lang
		}
		if p.DataType != "" {
			entry["dataType"] = p.DataType
		}
		out = append(out, entry)
	}
	return out
}

func propertiesFromList(raw []any) ([]twin.Property, error) {
	out := make([]twin.Property, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("properties[%d]: not an object", i)
		}
		kind, err := twin.ParsePropertyKind(str(m, "type"))
		if err != nil {
			return nil, fmt.Errorf("properties[%d]: %w", i, err)
		}
		out = append(out, twin.Property{
			Key:      str(m, "key"),
			Kind:     kind,
			Value:    str(m, "value"),
			Lang:     str(m, "lang"),
			DataType: str(m, "dataType"),
		})
	}
	return out, nil
}

func portList(ports []twin.Port) []any {
	out := make([]any, 0, len(ports))
	for _, p := range ports {
		values := make([]any, 0, len(p.Values))
		for _, v := range p.Values {
			values = append(values, map[string]any{
				"label":    v.Label,
				"dataType": v.DataType,
				"comment":  v.Comment,
				"value":    v.Value,
			})
		}
		out = append(out, map[string]any{
			"id":         p.ID,
			"storeLast":  p.StoreLast,
			"properties": propertyList(p.Properties),
			"values":     values,
		})
	}
	return out
}

func portsFromList(raw []any) ([]twin.Port, error) {
	out := make([]twin.Port, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("ports[%d]: not an object", i)
		}
		props, err := propertiesFromList(list(m, "properties"))
		if err != nil {
			return nil, fmt.Errorf("ports[%d]: %w", i, err)
		}
		rawValues := list(m, "values")
		values := make([]twin.NamedValue, 0, len(rawValues))
		for _, rv := range rawValues {
			vm, _ := rv.(map[string]any)
			values = append(values, twin.NamedValue{
				Label:    str(vm, "label"),
				DataType: str(vm, "dataType"),
				Comment:  str(vm, "comment"),
				Value:    str(vm, "value"),
			})
		}
		out = append(out, twin.Port{
			ID:         str(m, "id"),
			StoreLast:  boolean(m, "storeLast"),
			Properties: props,
			Values:     values,
		})
	}
	return out, nil
}

func feedRefMap(f twin.FeedRef) map[string]any {
	return map[string]any{"hostId": f.HostID, "twinId": f.TwinID, "feedId": f.FeedID}
}

func feedRefFromMap(m map[string]any) twin.FeedRef {
	return twin.FeedRef{HostID: str(m, "hostId"), TwinID: str(m, "twinId"), FeedID: str(m, "feedId")}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func list(m map[string]any, key string) []any {
	l, _ := m[key].([]any)
	return l
}

func obj(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}
