package config

import (
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Snapshot is an immutable view of the dataset declarations. Each successful
// reload produces a new generation; plans already built keep the snapshot they
// were built from.
type Snapshot struct {
	Generation int64
	LoadedAt   time.Time
	Datasets   []domain.Dataset
}

// Clone returns a deep copy so callers cannot mutate shared declarations.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Datasets = make([]domain.Dataset, len(s.Datasets))
	for i, ds := range s.Datasets {
		out.Datasets[i] = ds.Clone()
	}
	return out
}
