package domain

import "time"

// Tally is one labelled count of a funnel statistic.
type Tally struct {
	Key   string `db:"key"`
	Count int    `db:"n"`
}

// FunnelStats is the operator overview of the funnel. Tallies are ordered
// by key. Follow-up keys are the status, suffixed with ":<reason>" for
// cancellations that carry one. Event tallies count distinct users.
type FunnelStats struct {
	Since     time.Time
	NewUsers  int
	Users     []Tally
	Runs      []Tally
	Followups []Tally
	Events    []Tally
}

// Total sums the counts of tallies.
func Total(list []Tally) int {
	n := 0
	for _, t := range list {
		n += t.Count
	}
	return n
}

// CountOf returns the count stored under key, zero when absent.
func CountOf(list []Tally, key string) int {
	for _, t := range list {
		if t.Key == key {
			return t.Count
		}
	}
	return 0
}
