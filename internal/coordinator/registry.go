package coordinator

import (
	"sort"

	"torrentctl/internal/domain"
	"torrentctl/internal/engine"
)

type record struct {
	id             string
	kind           domain.TaskKind
	descriptorPath string
	dataRoot       string
	handle         engine.Handle
	valid          bool
	seq            uint64
}

// registry maps info hashes to records. It is not safe for concurrent use;
// the coordinator mutex guards it.
type registry struct {
	records map[string]*record
	seq     uint64
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*record)}
}

func (r *registry) get(id string) (*record, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

func (r *registry) insert(rec *record) {
	r.seq++
	rec.seq = r.seq
	r.records[rec.id] = rec
}

func (r *registry) remove(id string) (*record, bool) {
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	return rec, ok
}

// list returns the records of the given kind in insertion order. An empty kind
// matches every record.
func (r *registry) list(kind domain.TaskKind) []*record {
	out := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		if kind == "" || rec.kind == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *registry) counts() domain.Counts {
	var c domain.Counts
	for _, rec := range r.records {
		c.Total++
		switch rec.kind {
		case domain.TaskKindDownload:
			c.Download++
		case domain.TaskKindSeed:
			c.Seed++
		}
	}
	return c
}
