package model

import (
	"time"
)

// StatisticsResponse summarises the request workload. Overdue counts are
// computed at read time.
type StatisticsResponse struct {
	TotalRequests      int64            `json:"total_requests"`
	TotalSubmissions   int64            `json:"total_submissions"`
	Overdue            int64            `json:"overdue"`
	ByStatus           map[string]int64 `json:"by_status"`
	ByTier             map[Role]int64   `json:"by_tier"`
	CreatedInRange     int64            `json:"created_in_range"`
	CompletedInRange   int64            `json:"completed_in_range"`
	TopStates          []StateRanking   `json:"top_states"`
	TimeRangeStartDate time.Time        `json:"time_range_start_date"`
	TimeRangeEndDate   time.Time        `json:"time_range_end_date"`
}

// StateRanking counts open requests targeting a state.
type StateRanking struct {
	State        string `json:"state"`
	OpenRequests int64  `json:"open_requests"`
}
