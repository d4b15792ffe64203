package emergency

// transitions lists the permitted successors of each status. Discharged is terminal.
var transitions = map[Status][]Status{
	StatusWaiting:     {StatusInTreatment},
	StatusInTreatment: {StatusAdmitted, StatusDischarged},
	StatusAdmitted:    {StatusDischarged},
}

// CanTransition reports whether a case may move from one status to another
// through AdvanceStatus.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
