package workflow

// Statistics summarises a snapshot of access requests for dashboards.
// ByStage counts requests currently awaiting each stage's decision.
type Statistics struct {
	Total     int           `json:"total"`
	Pending   int           `json:"pending"`
	Completed int           `json:"completed"`
	Rejected  int           `json:"rejected"`
	Cancelled int           `json:"cancelled"`
	ByStage   map[Stage]int `json:"-"`
}

// Aggregate computes dashboard statistics across a collection of requests.
// Pure aggregation: no mutation, no I/O.
func Aggregate(requests []AccessRequest) Statistics {
	stats := Statistics{ByStage: make(map[Stage]int, len(stageOrder))}
	for _, s := range stageOrder {
		stats.ByStage[s] = 0
	}

	for _, req := range requests {
		stats.Total++

		if req.Cancelled() {
			stats.Cancelled++
			continue
		}
		if HasRejection(req.StageStatuses) {
			stats.Rejected++
			continue
		}
		if IsComplete(req.StageStatuses) {
			stats.Completed++
			continue
		}
		if next, ok := NextPendingStage(req.StageStatuses); ok {
			stats.Pending++
			stats.ByStage[next]++
		}
	}

	return stats
}
