package twin

import "fmt"

// TwinRef identifies a twin. It is comparable and safe to use as a map key.
type TwinRef struct {
	HostID string `json:"hostId"`
	TwinID string `json:"twinId"`
}

// String renders the reference as host/twin.
func (r TwinRef) String() string {
	return fmt.Sprintf("%s/%s", r.HostID, r.TwinID)
}

// Feed returns the reference of the named feed on this twin.
func (r TwinRef) Feed(feedID string) FeedRef {
	return FeedRef{HostID: r.HostID, TwinID: r.TwinID, FeedID: feedID}
}

// Validate requires a twin id. The host id may be empty, meaning the local host.
func (r TwinRef) Validate() error {
	if r.TwinID == "" {
		return invalid("twinId", "must not be empty")
	}
	return nil
}

// FeedRef identifies one feed of one twin. Equality is structural.
type FeedRef struct {
	HostID string `json:"hostId"`
	TwinID string `json:"twinId"`
	FeedID string `json:"feedId"`
}

// Twin returns the reference of the twin owning the feed.
func (f FeedRef) Twin() TwinRef {
	return TwinRef{HostID: f.HostID, TwinID: f.TwinID}
}

// String renders the reference as host/twin/feed.
func (f FeedRef) String() string {
	return fmt.Sprintf("%s/%s/%s", f.HostID, f.TwinID, f.FeedID)
}

// Validate requires both the twin id and the feed id.
func (f FeedRef) Validate() error {
	if err := f.Twin().Validate(); err != nil {
		return err
	}
	if f.FeedID == "" {
		return invalid("feedId", "must not be empty")
	}
	return nil
}

// Interest binds a follower twin to a feed it wants to receive.
type Interest struct {
	FollowerTwinID string  `json:"followerTwinId"`
	FollowedFeed   FeedRef `json:"followedFeed"`
}

// String renders the interest for logs.
func (i Interest) String() string {
	return fmt.Sprintf("%s -> %s", i.FollowerTwinID, i.FollowedFeed)
}

// Validate checks both sides of the interest.
func (i Interest) Validate() error {
	if i.FollowerTwinID == "" {
		return invalid("followerTwinId", "must not be empty")
	}
	return i.FollowedFeed.Validate()
}
