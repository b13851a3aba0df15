package models

var transitions = map[JobKind]map[string][]string{
	KindImport: {
		StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	},
	KindExport: {
		StatusPending:    {StatusProcessing, StatusFailed},
		StatusProcessing: {StatusCompleted, StatusFailed},
	},
}

// CanTransition reports whether a job of the given kind may move from one
// status to another.
func CanTransition(kind JobKind, from, to string) bool {
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor lists the states from which a job may enter to.
func SourcesFor(kind JobKind, to string) []string {
	var out []string
	for from, nexts := range transitions[kind] {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(kind JobKind, status string) bool {
	_, ok := transitions[kind][status]
	return !ok
}
