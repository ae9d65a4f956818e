package livedata

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	d := newTestDispatcher(t, b)

	c := newCollector()
	d.Table("test", "person").Subscribe(c)
	d.SubmitChangeBatch([]*ChangeRecord{{
		Action: Modify, Schema: "test", Table: "person",
		Columns: []string{"id", "name"}, Rows: [][]*string{Row("4", "Eve")},
	}})

	first := c.next(t)
	assert.Equal(t, Load, first.Action)
	assert.Equal(t, []string{"1", "2", "3"}, ids(first))
	require.NoError(t, first.Validate())

	second := c.next(t)
	assert.Equal(t, Modify, second.Action)
	assert.Equal(t, []string{"4"}, ids(second))
}

func TestChangeBatchRoutesByCaseInsensitiveTable(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	d := newTestDispatcher(t, b)

	c := newCollector()
	d.Table("test", "person").Subscribe(c)
	require.Equal(t, Load, c.next(t).Action)

	d.SubmitChangeBatch([]*ChangeRecord{
		{Action: Modify, Schema: "TEST", Table: "Person", Columns: []string{"id", "name"}, Rows: [][]*string{Row("1", "Robert")}},
		{Action: Modify, Schema: "test", Table: "phone", Columns: []string{"id"}, Rows: [][]*string{Row("10")}},
		{Action: Delete, Schema: "test", Table: "PERSON", Columns: []string{"id"}, Rows: [][]*string{Row("2")}},
	})

	r := c.next(t)
	assert.Equal(t, Modify, r.Action)
	assert.Equal(t, []string{"1", "Robert"}, cells(r.Rows[0]))

	r = c.next(t)
	assert.Equal(t, Delete, r.Action)
	assert.Equal(t, []string{"2"}, ids(r))
	c.expectNone(t, 50*time.Millisecond)
}

func TestDeliveryFollowsSubmissionOrder(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	d := newTestDispatcher(t, b)

	c := newCollector()
	d.Table("test", "person").Subscribe(c)
	require.Equal(t, Load, c.next(t).Action)

	for i := 0; i < 50; i++ {
		d.SubmitChangeBatch([]*ChangeRecord{{
			Action: Modify, Schema: "test", Table: "person",
			Columns: []string{"id", "name"}, Rows: [][]*string{Row(fmt.Sprint(i), "x")},
		}})
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, []string{fmt.Sprint(i)}, ids(c.next(t)))
	}
}

func TestFetchFailureDeliversErrorRecord(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	b.setFail(true)
	d := newTestDispatcher(t, b)

	c := newCollector()
	d.Table("test", "person").Subscribe(c)

	r := c.next(t)
	assert.Equal(t, Error, r.Action)
	assert.Equal(t, "test", r.Schema)
	assert.Equal(t, "person", r.Table)
	assert.Empty(t, r.Rows)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().fetchErr))
}

func TestFetchTimeoutDeliversErrorRecord(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	b.block = make(chan struct{})
	d := newTestDispatcher(t, b, WithFetchTimeout(20*time.Millisecond))

	c := newCollector()
	d.Table("test", "person").Subscribe(c)

	assert.Equal(t, Error, c.next(t).Action)
}

func TestReceiverPanicDoesNotStopLoop(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	d := newTestDispatcher(t, b)

	c := newCollector()
	panicked := false
	d.Table("test", "person").Subscribe(ReceiverFunc(func(r *ChangeRecord) {
		if !panicked {
			panicked = true
			panic("receiver blew up")
		}
		c.Accept(r)
	}))
	d.SubmitChangeBatch([]*ChangeRecord{{
		Action: Modify, Schema: "test", Table: "person",
		Columns: []string{"id", "name"}, Rows: [][]*string{Row("1", "Bob")},
	}})

	r := c.next(t)
	assert.Equal(t, Modify, r.Action)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().dispatchErr))
	assert.NoError(t, d.Err())
}

func TestReceiverPanicDoesNotStopBatch(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	d := newTestDispatcher(t, b)

	c := newCollector()
	d.Table("test", "person").Subscribe(ReceiverFunc(func(r *ChangeRecord) {
		if r.Action == Modify {
			panic("receiver blew up")
		}
	}))
	d.Table("test", "person").Subscribe(c)
	d.Table("test", "phone").Subscribe(c)
	assert.Equal(t, Load, c.next(t).Action)
	assert.Equal(t, Load, c.next(t).Action)

	d.SubmitChangeBatch([]*ChangeRecord{
		{Action: Modify, Schema: "test", Table: "person", Columns: []string{"id", "name"}, Rows: [][]*string{Row("1", "Bob")}},
		{Action: Delete, Schema: "test", Table: "phone", Columns: []string{"id"}, Rows: [][]*string{Row("10")}},
	})

	first, second := c.next(t), c.next(t)
	assert.Equal(t, "person", first.Table)
	assert.Equal(t, Modify, first.Action)
	assert.Equal(t, "phone", second.Table)
	assert.Equal(t, Delete, second.Action)
	flush(t, d)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().dispatchErr))
}

func TestStopDropsQueuedItems(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	b.block = make(chan struct{})
	d := NewDispatcher(b, WithLogger(hclog.NewNullLogger()))

	c := newCollector()
	d.Table("test", "person").Subscribe(c)
	d.SubmitChangeBatch([]*ChangeRecord{{
		Action: Modify, Schema: "test", Table: "person",
		Columns: []string{"id", "name"}, Rows: [][]*string{Row("1", "Bob")},
	}})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(d.Metrics().queueDepth) == 1
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, d.Stop())
	<-d.Dead()
	assert.ErrorIs(t, d.Err(), ErrDispatcherStopped)

	// the in-flight snapshot is cancelled and reported; the queued batch is never delivered
	r := c.next(t)
	assert.Equal(t, Error, r.Action)
	c.expectNone(t, 50*time.Millisecond)
}

func TestPrimaryKeyIsCached(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	d := newTestDispatcher(t, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		column, err := d.PrimaryKey(ctx, "TEST", "person")
		require.NoError(t, err)
		assert.Equal(t, "id", column)
	}
	assert.Equal(t, 1, b.keyCalls)
}

func TestPrimaryKeyCachesMissingKey(t *testing.T) {
	b := newMemBackend()
	b.addTable("test", "audit", "", []string{"message"})
	d := newTestDispatcher(t, b)
	ctx := context.Background()

	_, err := d.PrimaryKey(ctx, "test", "audit")
	assert.ErrorIs(t, err, ErrNoPrimaryKey)
	_, err = d.PrimaryKey(ctx, "test", "audit")
	assert.ErrorIs(t, err, ErrNoPrimaryKey)
	assert.Equal(t, 1, b.keyCalls)
}

func TestPrimaryKeyDoesNotCacheFailures(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	b.keyErr = errBackendDown
	d := newTestDispatcher(t, b)
	ctx := context.Background()

	_, err := d.PrimaryKey(ctx, "test", "person")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBackendDown))

	b.mu.Lock()
	b.keyErr = nil
	b.mu.Unlock()

	column, err := d.PrimaryKey(ctx, "test", "person")
	require.NoError(t, err)
	assert.Equal(t, "id", column)
	assert.Equal(t, 2, b.keyCalls)
}

func TestWatchedTablesListsSubscribedChannels(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	d := newTestDispatcher(t, b)

	d.Table("test", "phone")
	sub := d.Table("Test", "Person").Subscribe(newCollector())
	assert.Equal(t, []TableID{{Schema: "test", Table: "person"}}, d.WatchedTables())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Empty(t, d.WatchedTables())
	assert.Same(t, d.Table("TEST", "PERSON"), sub.Channel())
}

func TestDispatcherMetrics(t *testing.T) {
	b := newMemBackend()
	peopleAndPhones(b)
	reg := prometheus.NewRegistry()
	d := newTestDispatcher(t, b, WithRegisterer(reg))

	c := newCollector()
	d.Table("test", "person").Subscribe(c)
	d.SubmitChangeBatch([]*ChangeRecord{NewRecord(Modify, "test", "person", "id")})
	d.SubmitChangeBatch(nil)
	c.next(t)
	c.next(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().queued.WithLabelValues("fetch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().queued.WithLabelValues("batch")))
	assert.Equal(t, 0.0, testutil.ToFloat64(d.Metrics().queueDepth))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, count)
}
