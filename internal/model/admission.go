package model

// QueueStatus is the snapshot returned by status polls and pushed over
// the broadcast channel while a user is still waiting.
type QueueStatus struct {
	ScheduleID   uint64 `json:"schedule_id"`
	Rank         int64  `json:"rank"`
	TotalWaiting int64  `json:"total_waiting"`
}

// AdmissionResult is returned by the admission controller.  When
// Admitted is true the Token field carries a signed admission token and
// the queue fields are zero; otherwise Rank and TotalWaiting describe
// the freshly created waiting entry.
type AdmissionResult struct {
	Admitted     bool   `json:"admitted"`
	Token        string `json:"token,omitempty"`
	UserKey      string `json:"user_key"`
	Rank         int64  `json:"rank,omitempty"`
	TotalWaiting int64  `json:"total_waiting,omitempty"`
}
