// Package stream delivers queue status updates to live client
// connections.  Admission mutations happen on whichever instance served
// the HTTP request, but the client's push connection may be held by a
// different instance, so every mutation is published as a compact
// message on a shared Redis channel and each instance forwards only the
// user keys registered in its own local registry.
package stream

// MessageType discriminates broadcast payloads.
type MessageType string

const (
	// MessageRank carries a batch of rank updates for one schedule.
	MessageRank MessageType = "rank"
	// MessageAdmitted tells one user they were admitted, with their token.
	MessageAdmitted MessageType = "admitted"
)

// RankUpdate is one user's current queue position.
type RankUpdate struct {
	UserKey      string `json:"user_key"`
	Rank         int64  `json:"rank"`
	TotalWaiting int64  `json:"total_waiting"`
}

// StatusMessage is the unit published on the broadcast channel.  For
// MessageRank the Ranks slice is set; for MessageAdmitted the UserKey
// and Token fields are.  Messages are intentionally small: the full
// queue state stays in Redis, only deltas and snapshots travel.
type StatusMessage struct {
	Type       MessageType  `json:"type"`
	ScheduleID uint64       `json:"schedule_id"`
	Ranks      []RankUpdate `json:"ranks,omitempty"`
	UserKey    string       `json:"user_key,omitempty"`
	Token      string       `json:"token,omitempty"`
}
