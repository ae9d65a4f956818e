package livedata

import "sync"

// JoinView is a KeyFilterView that can feed the ids it matches into a child view as that child's
// constraint set, e.g. person rows by name joined to phone rows by person id.
//
// Every view of a chain delivers to the same terminal receiver.
type JoinView struct {
	view *KeyFilterView

	mu    sync.Mutex
	child *JoinView
}

// NewJoinView subscribes a join view on (schema, table) filtered by keyColumn ∈ constraints
func NewJoinView(d *Dispatcher, schema, table, keyColumn string, constraints []string, downstream Receiver) *JoinView {
	j := newJoinView(d, schema, table, keyColumn, constraints, downstream)
	j.view.start()
	return j
}

func newJoinView(d *Dispatcher, schema, table, keyColumn string, constraints []string, downstream Receiver) *JoinView {
	j := &JoinView{view: newKeyFilterView(d, schema, table, keyColumn, constraints, downstream)}
	j.view.listener = j
	return j
}

// View returns the underlying key filter view
func (j *JoinView) View() *KeyFilterView {
	return j.view
}

// Join attaches a child view on (schema, table) keyed by foreignKeyColumn and returns it.
// The child starts with the ids this view already matched; a previous child is closed.
func (j *JoinView) Join(schema, table, foreignKeyColumn string) *JoinView {
	j.mu.Lock()
	seed := j.view.MatchedIDs()
	child := newJoinView(j.view.dispatcher, schema, table, foreignKeyColumn, seed, j.view.downstream)
	previous := j.child
	j.child = child
	j.mu.Unlock()

	child.view.start()
	if previous != nil {
		previous.Close()
	}
	return child
}

// JoinTable is Join on a table in this view's schema
func (j *JoinView) JoinTable(table, foreignKeyColumn string) *JoinView {
	return j.Join(j.view.channel.Schema(), table, foreignKeyColumn)
}

// Child returns the current child view, or nil
func (j *JoinView) Child() *JoinView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.child
}

// IDsAdded passes newly matched ids to the child as constraints
func (j *JoinView) IDsAdded(ids []string) {
	if child := j.Child(); child != nil {
		child.AddConstraints(ids)
	}
}

// IDsRemoved withdraws ids that no longer match from the child's constraints
func (j *JoinView) IDsRemoved(ids []string) {
	if child := j.Child(); child != nil {
		child.RemoveConstraints(ids)
	}
}

// AddConstraint adds a value to this view's constraint set
func (j *JoinView) AddConstraint(value string) {
	j.view.AddConstraint(value)
}

// AddConstraints adds values to this view's constraint set
func (j *JoinView) AddConstraints(values []string) {
	j.view.AddConstraints(values)
}

// RemoveConstraint removes a value from this view's constraint set
func (j *JoinView) RemoveConstraint(value string) {
	j.view.RemoveConstraint(value)
}

// RemoveConstraints removes values from this view's constraint set
func (j *JoinView) RemoveConstraints(values []string) {
	j.view.RemoveConstraints(values)
}

// Constraints returns this view's constraint values
func (j *JoinView) Constraints() []string {
	return j.view.Constraints()
}

// MatchedIDs returns the ids this view currently matches
func (j *JoinView) MatchedIDs() []string {
	return j.view.MatchedIDs()
}

// Close closes the child chain first and then this view
func (j *JoinView) Close() {
	j.mu.Lock()
	child := j.child
	j.child = nil
	j.mu.Unlock()

	if child != nil {
		child.Close()
	}
	j.view.Close()
}
