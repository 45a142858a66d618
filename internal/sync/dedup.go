package sync

import (
	"log/slog"

	"github.com/tiderelay/tiderelay/internal/model"
)

// DedupIndex decides which candidate samples are not yet represented in a set
// of already-present samples, using the external identifier as the sole dedup
// key. It is stateless and has no side effects beyond logging.
type DedupIndex struct {
	log *slog.Logger
}

// NewDedupIndex creates a DedupIndex that logs unidentifiable samples to the
// given logger.
func NewDedupIndex(logger *slog.Logger) *DedupIndex {
	return &DedupIndex{log: logger}
}

// FilterNew returns the candidates whose external identifier does not occur
// in alreadyPresent. Present samples lacking an identifier cannot take part
// in dedup and are logged. A candidate without an identifier is never
// filtered: it is treated as always-new, which can push duplicates when
// identifier metadata was lost upstream, so it is logged loudly rather than
// guessed around.
func (d *DedupIndex) FilterNew(candidates, alreadyPresent []model.Sample) []model.Sample {
	present := make(map[string]struct{}, len(alreadyPresent))
	for i := range alreadyPresent {
		id := alreadyPresent[i].ExternalID
		if id == "" {
			d.log.Warn("local sample without external id cannot be deduplicated",
				"time", alreadyPresent[i].Time,
				"source", alreadyPresent[i].SourceName,
			)
			continue
		}
		present[id] = struct{}{}
	}

	fresh := make([]model.Sample, 0, len(candidates))
	for i := range candidates {
		id := candidates[i].ExternalID
		if id == "" {
			d.log.Warn("candidate sample without external id treated as new",
				"time", candidates[i].Time,
				"source", candidates[i].SourceName,
			)
			fresh = append(fresh, candidates[i])
			continue
		}
		if _, ok := present[id]; ok {
			continue
		}
		fresh = append(fresh, candidates[i])
	}
	return fresh
}
