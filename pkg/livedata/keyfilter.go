package livedata

import (
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/juju/collections/set"
)

// KeyFilterView is a table channel subscription narrowed to rows whose key column holds one of a
// mutable set of constraint values.
//
// The view remembers which row ids matched which constraint value. A row whose id is already
// known is passed through even when the record does not carry the key column, which also means a
// row whose key changed to a value outside the constraint set stays visible until it is deleted
// or its old constraint value is removed.
type KeyFilterView struct {
	dispatcher *Dispatcher
	channel    *TableChannel
	keyColumn  string
	downstream Receiver
	logger     hclog.Logger

	mu          sync.Mutex
	sub         *Subscription
	listener    idListener
	closed      bool
	idColumn    string
	constraints set.Strings
	idKey       map[string]string
	keyIDs      map[string]set.Strings
}

// NewKeyFilterView subscribes a view on (schema, table) filtered by keyColumn ∈ constraints.
// Matching rows, starting with those of the initial snapshot, are delivered to downstream.
func NewKeyFilterView(d *Dispatcher, schema, table, keyColumn string, constraints []string, downstream Receiver) *KeyFilterView {
	v := newKeyFilterView(d, schema, table, keyColumn, constraints, downstream)
	v.start()
	return v
}

func newKeyFilterView(d *Dispatcher, schema, table, keyColumn string, constraints []string, downstream Receiver) *KeyFilterView {
	channel := d.Table(schema, table)
	return &KeyFilterView{
		dispatcher:  d,
		channel:     channel,
		keyColumn:   keyColumn,
		downstream:  downstream,
		logger:      d.logger.Named("view").With("table", channel.ID().String(), "key", strings.ToLower(keyColumn)),
		constraints: set.NewStrings(constraints...),
		idKey:       make(map[string]string),
		keyIDs:      make(map[string]set.Strings),
	}
}

func (v *KeyFilterView) start() {
	sub := v.channel.Subscribe(v)

	v.mu.Lock()
	closed := v.closed
	v.sub = sub
	v.mu.Unlock()

	if closed {
		sub.Unsubscribe()
	}
}

// Channel returns the table channel the view is bound to
func (v *KeyFilterView) Channel() *TableChannel {
	return v.channel
}

// KeyColumn returns the lowercased key column name
func (v *KeyFilterView) KeyColumn() string {
	return strings.ToLower(v.keyColumn)
}

// Accept filters an incoming record and forwards the matching rows downstream
func (v *KeyFilterView) Accept(record *ChangeRecord) {
	if record.Action == Error {
		if !v.isClosed() {
			v.downstream.Accept(record)
		}
		return
	}

	keyIndex := record.ColumnIndex(v.keyColumn)
	out := record.Clone()
	var added, removed []string

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if column := record.IDColumn(); column != "" {
		v.idColumn = column
	}
	for _, row := range record.Rows {
		id := record.ID(row)
		if id == "" {
			continue
		}

		_, known := v.idKey[id]
		include := known
		if !known && keyIndex >= 0 && keyIndex < len(row) && row[keyIndex] != nil {
			key := *row[keyIndex]
			if v.constraints.Contains(key) {
				include = true
				if record.Action != Delete {
					v.index(id, key)
					added = append(added, id)
				}
			}
		}
		if !include {
			continue
		}

		out.AppendRow(row)
		if record.Action == Delete && known {
			v.unindex(id)
			removed = append(removed, id)
		}
	}
	v.mu.Unlock()

	if len(out.Rows) > 0 {
		v.downstream.Accept(out)
	}
	v.notify(added, removed)
}

// AddConstraint adds one value to the constraint set and fetches the rows it matches
func (v *KeyFilterView) AddConstraint(value string) {
	v.AddConstraints([]string{value})
}

// AddConstraints adds values to the constraint set and fetches the rows they match with a single
// equality or IN-list query. The fetched rows reach downstream independently of broadcasts.
func (v *KeyFilterView) AddConstraints(values []string) {
	if len(values) == 0 {
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	for _, value := range values {
		v.constraints.Add(value)
	}
	v.mu.Unlock()

	filter := &Filter{Column: v.keyColumn, Values: append([]string(nil), values...)}
	v.dispatcher.SubmitFetch(v.channel.Schema(), v.channel.Name(), filter, v)
}

// RemoveConstraint removes one value from the constraint set
func (v *KeyFilterView) RemoveConstraint(value string) {
	v.RemoveConstraints([]string{value})
}

// RemoveConstraints removes values from the constraint set and delivers a Delete record for every
// id that had matched them. The rows still exist in the source; the Delete only tells downstream
// the view no longer covers them.
func (v *KeyFilterView) RemoveConstraints(values []string) {
	if len(values) == 0 {
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	var ids []string
	for _, value := range values {
		v.constraints.Remove(value)
		if matched, ok := v.keyIDs[value]; ok {
			for _, id := range matched.SortedValues() {
				delete(v.idKey, id)
				ids = append(ids, id)
			}
			delete(v.keyIDs, value)
		}
	}
	idColumn := v.idColumn
	v.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	record := NewRecord(Delete, v.channel.Schema(), v.channel.Name(), idColumn)
	for _, id := range ids {
		record.AppendRow(Row(id))
	}
	v.logger.Debug("Constraints removed", "values", values, "ids", len(ids))
	v.downstream.Accept(record)
	v.notify(nil, ids)
}

// Constraints returns the current constraint values, sorted
func (v *KeyFilterView) Constraints() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.constraints.SortedValues()
}

// MatchedIDs returns the ids currently known to match a constraint, sorted
func (v *KeyFilterView) MatchedIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]string, 0, len(v.idKey))
	for id := range v.idKey {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close unsubscribes the view; fetches already in flight are dropped on arrival
func (v *KeyFilterView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub := v.sub
	v.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (v *KeyFilterView) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// index records id under key; callers hold v.mu
func (v *KeyFilterView) index(id, key string) {
	v.idKey[id] = key
	ids, ok := v.keyIDs[key]
	if !ok {
		ids = set.NewStrings()
		v.keyIDs[key] = ids
	}
	ids.Add(id)
}

// unindex drops id from both indices; callers hold v.mu
func (v *KeyFilterView) unindex(id string) {
	key, ok := v.idKey[id]
	if !ok {
		return
	}
	delete(v.idKey, id)
	if ids, ok := v.keyIDs[key]; ok {
		ids.Remove(id)
		if ids.IsEmpty() {
			delete(v.keyIDs, key)
		}
	}
}

func (v *KeyFilterView) notify(added, removed []string) {
	v.mu.Lock()
	listener := v.listener
	v.mu.Unlock()
	if listener == nil {
		return
	}
	if len(added) > 0 {
		listener.IDsAdded(added)
	}
	if len(removed) > 0 {
		listener.IDsRemoved(removed)
	}
}
