// Package filters specifies utilities for building a set of data attribute
// filters to be used when filtering records through database queries in
// practice. For example, one can specify a filter query for work proofs by
// node + slot range as follows, and respond to it accordingly:
//
//	f := filters.NewFilter().SetNodeID("aa01").SetStartSlot(3).SetEndSlot(5)
//	for k, v := range f.Filters() {
//	    switch k {
//	    case filters.NodeID:
//	       // Verify data matches filter criteria...
//	    case filters.StartSlot:
//	       // Verify data matches filter criteria...
//	    }
//	}
package filters

// FilterType defines an enum which is used as the keys in a map that tracks
// set attribute filters for database queries.
type FilterType int

// FilterType enums such as node id or epoch for filtering database queries.
const (
	NodeID FilterType = iota
	PoolID
	ProposalID
	SessionID
	Epoch
	StartSlot
	EndSlot
	Status
	Kind
	Severity
	Source
	StartTime
	EndTime
)

// QueryFilter defines a generic interface for type-asserting
// specific filters to use in querying DB objects.
type QueryFilter struct {
	queries map[FilterType]interface{}
}

// NewFilter instantiates a new QueryFilter type used to build filters for
// coordinator data types by attribute.
func NewFilter() *QueryFilter {
	return &QueryFilter{
		queries: make(map[FilterType]interface{}),
	}
}

// Filters returns the underlying map of FilterType to interface{}, giving us
// a copy of the currently set filters which can then be iterated over and type
// asserted for use anywhere.
func (q *QueryFilter) Filters() map[FilterType]interface{} {
	return q.queries
}

// SetNodeID --
func (q *QueryFilter) SetNodeID(val string) *QueryFilter {
	q.queries[NodeID] = val
	return q
}

// SetPoolID --
func (q *QueryFilter) SetPoolID(val string) *QueryFilter {
	q.queries[PoolID] = val
	return q
}

// SetProposalID --
func (q *QueryFilter) SetProposalID(val string) *QueryFilter {
	q.queries[ProposalID] = val
	return q
}

// SetSessionID --
func (q *QueryFilter) SetSessionID(val string) *QueryFilter {
	q.queries[SessionID] = val
	return q
}

// SetEpoch --
func (q *QueryFilter) SetEpoch(val uint64) *QueryFilter {
	q.queries[Epoch] = val
	return q
}

// SetStartSlot --
func (q *QueryFilter) SetStartSlot(val uint64) *QueryFilter {
	q.queries[StartSlot] = val
	return q
}

// SetEndSlot --
func (q *QueryFilter) SetEndSlot(val uint64) *QueryFilter {
	q.queries[EndSlot] = val
	return q
}

// SetStatus --
func (q *QueryFilter) SetStatus(val string) *QueryFilter {
	q.queries[Status] = val
	return q
}

// SetKind --
func (q *QueryFilter) SetKind(val string) *QueryFilter {
	q.queries[Kind] = val
	return q
}

// SetSeverity --
func (q *QueryFilter) SetSeverity(val string) *QueryFilter {
	q.queries[Severity] = val
	return q
}

// SetSource --
func (q *QueryFilter) SetSource(val string) *QueryFilter {
	q.queries[Source] = val
	return q
}
