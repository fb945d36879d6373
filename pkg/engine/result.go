package engine

import (
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/planner"
)

// Result summarises one Run.
type Result struct {
	RequestID string
	Status    domain.RequestStatus
	// Partial is set when any node ended error or skipped.
	Partial bool
	// Logs holds access entries first, then erasure entries, in plan order.
	Logs []domain.ExecutionLog
	// Data holds access output keyed by collection address ("dataset:collection"),
	// restricted to fields whose rule action is include.
	Data map[string][]domain.Row
	// Location is where the access output was uploaded, if anywhere.
	Location string
}

// Log returns the entry for a collection and action.
func (r *Result) Log(addr domain.CollectionAddress, action domain.ActionType) (domain.ExecutionLog, bool) {
	for _, l := range r.Logs {
		if l.Collection == addr && l.Action == action {
			return l, true
		}
	}
	return domain.ExecutionLog{}, false
}

// accessData filters the rows of completed access nodes down to included
// fields. Collections without any included field are left out.
func accessData(plan *planner.Plan, state *runState) map[string][]domain.Row {
	data := make(map[string][]domain.Row)
	for _, pn := range plan.Nodes() {
		if state.status(pn.Address, domain.ActionAccess) != domain.ExecutionComplete {
			continue
		}
		included := includedFields(plan.Policy, pn.Node.Collection)
		if len(included) == 0 {
			continue
		}

		rows := state.rowsFor(pn.Address)
		filtered := make([]domain.Row, 0, len(rows))
		for _, row := range rows {
			out := make(domain.Row, len(included))
			for _, name := range included {
				if value, ok := row[name]; ok {
					out[name] = value
				}
			}
			filtered = append(filtered, out)
		}
		data[pn.Address.String()] = filtered
	}
	return data
}

func includedFields(p *domain.Policy, collection domain.Collection) []string {
	var names []string
	for i := range collection.Fields {
		rule, ok := p.RuleFor(&collection.Fields[i])
		if ok && rule.Action == domain.RuleInclude {
			names = append(names, collection.Fields[i].Name)
		}
	}
	return names
}
