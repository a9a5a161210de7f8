package engine

import "github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"

// TwinFound is posted for every twin matched by a find-and-follow search.
type TwinFound struct {
	SearchID string
	Twin     twin.TwinModel
}

// FeedArrived is posted for every record received by a follow.
type FeedArrived struct {
	FollowID string
	Record   twin.FeedRecord
}

// FeedFailed is posted when a subscription of a follow ends with an error.
type FeedFailed struct {
	FollowID string
	Interest twin.Interest
	Err      error
}
