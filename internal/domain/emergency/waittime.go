package emergency

// EstimateWaitTime returns the wait estimate in minutes stored on a case at
// registration. It is never recalculated afterwards; see Queue.LiveWaitTime
// for an estimate that follows the queue.
func EstimateWaitTime(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityMedium:
		return 15
	default:
		return 30
	}
}
