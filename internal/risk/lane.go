// Package risk defines the coarse risk lane classification shared by the
// intent gate, the egress engine, and the audit trail.
package risk

// Lane classifies an intent or event by required handling.
//
//	GREEN   safe to execute automatically
//	YELLOW  requires explicit user confirmation
//	RED     blocked and logged
//	BLOCKED categorically disallowed (action outside the allowlist)
type Lane string

const (
	LaneGreen   Lane = "GREEN"
	LaneYellow  Lane = "YELLOW"
	LaneRed     Lane = "RED"
	LaneBlocked Lane = "BLOCKED"
)

var laneRank = map[Lane]int{
	LaneGreen:   0,
	LaneYellow:  1,
	LaneRed:     2,
	LaneBlocked: 3,
}

// Rank returns the severity order of the lane. Unknown lanes rank above
// BLOCKED so a corrupted value can never read as safe.
func (l Lane) Rank() int {
	if r, ok := laneRank[l]; ok {
		return r
	}
	return laneRank[LaneBlocked] + 1
}

// Escalate returns the more severe of current and next. Within a single
// validation pass a lane only ever escalates; all lane updates go through
// this helper so a later check can never silently downgrade an earlier one.
func Escalate(current, next Lane) Lane {
	if next.Rank() > current.Rank() {
		return next
	}
	return current
}
