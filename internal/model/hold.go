package model

// HoldResult is returned by a successful (or replayed) batch hold
// request.  TotalPriceCents is the sum of the held seats' prices and
// TTLSeconds the remaining lifetime of the batch.
type HoldResult struct {
	SeatIDs         []uint64 `json:"seat_ids"`
	TotalPriceCents uint32   `json:"total_price_cents"`
	TTLSeconds      int64    `json:"ttl_seconds"`
	Replayed        bool     `json:"replayed"`
}
