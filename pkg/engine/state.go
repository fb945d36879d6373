package engine

import (
	"sync"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/planner"
)

// runState is the per-run view shared by the node goroutines of a level. Each
// node writes only its own entries; the level barrier orders those writes
// before any read by the next level.
type runState struct {
	mu sync.Mutex

	request *domain.PrivacyRequest
	plan    *planner.Plan
	logs    map[domain.LogKey]*domain.ExecutionLog
	// values holds the deduplicated values found per collection field.
	values map[domain.CollectionAddress]map[string]*valueSet
	rows   map[domain.CollectionAddress][]domain.Row
	// filters remembers the inputs each access node was queried with.
	filters map[domain.CollectionAddress]map[string][]any
}

func newRunState(req *domain.PrivacyRequest, plan *planner.Plan, existing []domain.ExecutionLog) *runState {
	s := &runState{
		request: req,
		plan:    plan,
		logs:    make(map[domain.LogKey]*domain.ExecutionLog, len(existing)),
		values:  make(map[domain.CollectionAddress]map[string]*valueSet),
		rows:    make(map[domain.CollectionAddress][]domain.Row),
		filters: make(map[domain.CollectionAddress]map[string][]any),
	}
	for i := range existing {
		l := existing[i]
		s.logs[l.Key()] = &l
	}
	return s
}

// log returns a copy of the log for key, or a fresh pending entry.
func (s *runState) log(key domain.LogKey) domain.ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[key]; ok {
		out := *l
		out.FieldsAffected = append([]string(nil), l.FieldsAffected...)
		return out
	}
	return domain.ExecutionLog{
		RequestID:  s.request.ID,
		Collection: key.Collection,
		Action:     key.Action,
		Status:     domain.ExecutionPending,
	}
}

func (s *runState) setLog(l domain.ExecutionLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := l
	s.logs[l.Key()] = &stored
}

func (s *runState) status(addr domain.CollectionAddress, action domain.ActionType) domain.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[domain.LogKey{Collection: addr, Action: action}]; ok {
		return l.Status
	}
	return domain.ExecutionPending
}

// recordRows stores an access node's rows and the values its outgoing edges
// carry to dependents.
func (s *runState) recordRows(pn *planner.PlannedNode, rows []domain.Row) {
	fields := make(map[string]*valueSet)
	for _, edge := range pn.Node.Outgoing() {
		if _, ok := fields[edge.From.Field]; ok {
			continue
		}
		set := newValueSet()
		for _, row := range rows {
			set.add(row[edge.From.Field])
		}
		fields[edge.From.Field] = set
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[pn.Address] = rows
	s.values[pn.Address] = fields
}

func (s *runState) rowsFor(addr domain.CollectionAddress) []domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[addr]
}

func (s *runState) setFilters(addr domain.CollectionAddress, filters map[string][]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[addr] = filters
}

func (s *runState) filtersFor(addr domain.CollectionAddress) map[string][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[addr]
}

// inputs gathers the filter values for an access node: identity seeds plus the
// union of values found in completed predecessors along incoming edges. It
// reports whether any value provider (seed or predecessor) was usable.
func (s *runState) inputs(pn *planner.PlannedNode) (map[string][]any, bool) {
	sets := make(map[string]*valueSet)
	setFor := func(field string) *valueSet {
		set, ok := sets[field]
		if !ok {
			set = newValueSet()
			sets[field] = set
		}
		return set
	}

	provided := false
	for field, identityKey := range pn.Node.SeedFields {
		if v := s.request.Identity[identityKey]; v != "" {
			setFor(field).add(v)
			provided = true
		}
	}

	s.mu.Lock()
	for _, edge := range pn.Node.Incoming() {
		source := edge.From.CollectionAddress()
		l, ok := s.logs[domain.LogKey{Collection: source, Action: domain.ActionAccess}]
		if !ok || l.Status != domain.ExecutionComplete {
			continue
		}
		provided = true
		if found, ok := s.values[source][edge.From.Field]; ok {
			setFor(edge.To.Field).addAll(found)
		}
	}
	s.mu.Unlock()

	filters := make(map[string][]any, len(sets))
	for field, set := range sets {
		if len(set.items) > 0 {
			filters[field] = set.items
		}
	}
	return filters, provided
}

// snapshotLogs returns the logs in plan order: access entries first, then erasure.
func (s *runState) snapshotLogs() []domain.ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ExecutionLog, 0, len(s.logs))
	for _, action := range []domain.ActionType{domain.ActionAccess, domain.ActionErasure} {
		for _, pn := range s.plan.Nodes() {
			if l, ok := s.logs[domain.LogKey{Collection: pn.Address, Action: action}]; ok {
				out = append(out, *l)
			}
		}
	}
	return out
}

// valueSet keeps insertion order and drops nil and duplicate values.
type valueSet struct {
	seen  map[string]struct{}
	items []any
}

func newValueSet() *valueSet {
	return &valueSet{seen: make(map[string]struct{})}
}

func (v *valueSet) add(value any) {
	if value == nil {
		return
	}
	key := domain.ValueKey(value)
	if _, ok := v.seen[key]; ok {
		return
	}
	v.seen[key] = struct{}{}
	v.items = append(v.items, value)
}

func (v *valueSet) addAll(other *valueSet) {
	for _, item := range other.items {
		v.add(item)
	}
}
