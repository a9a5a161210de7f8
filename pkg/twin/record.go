package twin

import (
	"encoding/json"
	"time"
)

// FeedRecord is one sample received on a followed feed.
type FeedRecord struct {
	FollowerTwinID string    `json:"followerTwinDid"`
	Feed           FeedRef   `json:"-"`
	MimeType       string    `json:"mimeType"`
	OccurredAt     time.Time `json:"occurredAt"`
	Payload        []byte    `json:"-"`
}

// Interest returns the interest the record was delivered for.
func (r FeedRecord) Interest() Interest {
	return Interest{FollowerTwinID: r.FollowerTwinID, FollowedFeed: r.Feed}
}

// Attributes flattens the record metadata into string attributes.
func (r FeedRecord) Attributes() map[string]string {
	return map[string]string{
		"followerTwinDid": r.FollowerTwinID,
		"hostDid":         r.Feed.HostID,
		"twinDid":         r.Feed.TwinID,
		"feedId":          r.Feed.FeedID,
		"mimeType":        r.MimeType,
		"occurredAt":      r.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

type recordJSON struct {
	FollowerTwinID string          `json:"followerTwinDid"`
	HostID         string          `json:"hostDid"`
	TwinID         string          `json:"twinDid"`
	FeedID         string          `json:"feedId"`
	MimeType       string          `json:"mimeType"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RawPayload     []byte          `json:"rawPayload,omitempty"`
}

// MarshalJSON embeds JSON payloads verbatim and base64-encodes anything else.
func (r FeedRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		FollowerTwinID: r.FollowerTwinID,
		HostID:         r.Feed.HostID,
		TwinID:         r.Feed.TwinID,
		FeedID:         r.Feed.FeedID,
		MimeType:       r.MimeType,
		OccurredAt:     r.OccurredAt,
	}
	if json.Valid(r.Payload) {
		out.Payload = r.Payload
	} else {
		out.RawPayload = r.Payload
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (r *FeedRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = FeedRecord{
		FollowerTwinID: in.FollowerTwinID,
		Feed:           FeedRef{HostID: in.HostID, TwinID: in.TwinID, FeedID: in.FeedID},
		MimeType:       in.MimeType,
		OccurredAt:     in.OccurredAt,
		Payload:        []byte(in.Payload),
	}
	if len(in.RawPayload) > 0 {
		r.Payload = in.RawPayload
	}
	return nil
}

// PublishItem is one feed sample to share.
type PublishItem struct {
	Feed     FeedRef
	Payload  []byte
	MimeType string
}

// Empty reports whether the item has nothing to share.
func (i PublishItem) Empty() bool {
	return len(i.Payload) == 0
}

// PublishItems extracts one item per feed of each twin. Feeds without populated
// values produce empty items, which publishers skip.
func PublishItems(models ...TwinModel) []PublishItem {
	var items []PublishItem
	for _, m := range models {
		for _, feed := range m.Feeds {
			items = append(items, PublishItem{
				Feed:     m.Ref().Feed(feed.ID),
				Payload:  feed.Payload(),
				MimeType: DefaultMimeType,
			})
		}
	}
	return items
}
