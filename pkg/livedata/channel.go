package livedata

import "sync"

// TableChannel is the publish/subscribe point of one table.
// Channels live as long as their dispatcher, even with no subscribers.
type TableChannel struct {
	id         TableID
	dispatcher *Dispatcher
	hub        Hub
}

// Schema returns the lowercased schema name
func (c *TableChannel) Schema() string {
	return c.id.Schema
}

// Name returns the lowercased table name
func (c *TableChannel) Name() string {
	return c.id.Table
}

// ID returns the channel's table identity
func (c *TableChannel) ID() TableID {
	return c.id
}

// Subscribe queues a Load snapshot for r and then adds r to the broadcast set.
//
// Because the snapshot request is queued first, r sees the snapshot before any batch submitted
// after Subscribe returns. The snapshot itself may race with concurrent writes, so receivers must
// apply records as idempotent upserts by id.
func (c *TableChannel) Subscribe(r Receiver) *Subscription {
	c.dispatcher.SubmitFetch(c.id.Schema, c.id.Table, nil, r)
	id := c.hub.Add(r)
	return &Subscription{channel: c, id: id}
}

// Subscribers returns the number of current subscribers
func (c *TableChannel) Subscribers() int {
	return c.hub.Len()
}

// Subscription is a receiver's registration on a TableChannel
type Subscription struct {
	channel *TableChannel
	id      uint64
	once    sync.Once
}

// Channel returns the channel the subscription belongs to
func (s *Subscription) Channel() *TableChannel {
	return s.channel
}

// Unsubscribe stops future deliveries; it is safe to call more than once
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.channel.hub.Remove(s.id)
	})
}
