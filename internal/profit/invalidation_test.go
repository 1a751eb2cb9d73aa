package profit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/salesprofit/internal/platform/cache"
)

type filledCache struct {
	*Cache
	report ReportKey
}

func fillCache(t *testing.T) filledCache {
	t.Helper()
	c := NewCache(DefaultCacheConfig())
	for _, k := range []OrderKey{{"t1", "o1"}, {"t1", "o2"}, {"t2", "o1"}} {
		require.True(t, c.storeOrder(k, ProfitBreakdown{OrderID: k.OrderID}, c.orderToken(k)))
	}
	rk := reportKeyFor(testReportQuery("t1"))
	require.True(t, c.storeReport(rk, PeriodProfitReport{TenantID: "t1"}, c.reportToken(rk)))
	require.True(t, c.storeDefaults("t1", TenantCostConfig{TenantID: "t1"}, c.defaultsToken("t1")))
	return filledCache{Cache: c, report: rk}
}

func TestDispatcherApplyEventTable(t *testing.T) {
	cases := []struct {
		name        string
		event       Event
		want        InvalidationResult
		o1Gone      bool
		o2Gone      bool
		defaultGone bool
	}{
		{
			name:  "order created",
			event: Event{Type: EventOrderCreated, TenantID: "t1"},
			want:  InvalidationResult{Reports: 1},
		},
		{
			name:   "order updated on a display field",
			event:  Event{Type: EventOrderUpdated, TenantID: "t1", OrderID: "o1", ChangedFields: []string{"notes"}},
			want:   InvalidationResult{Orders: 1},
			o1Gone: true,
		},
		{
			name:   "order updated on an aggregate field",
			event:  Event{Type: EventOrderUpdated, TenantID: "t1", OrderID: "o1", ChangedFields: []string{"Total"}},
			want:   InvalidationResult{Orders: 1, Reports: 1},
			o1Gone: true,
		},
		{
			name:   "status changed",
			event:  Event{Type: EventOrderStatusChanged, TenantID: "t1", OrderID: "o1"},
			want:   InvalidationResult{Orders: 1, Reports: 1},
			o1Gone: true,
		},
		{
			name:   "costs edited",
			event:  Event{Type: EventOrderCostsEdited, TenantID: "t1", OrderID: "o1"},
			want:   InvalidationResult{Orders: 1, Reports: 1},
			o1Gone: true,
		},
		{
			name:   "order deleted",
			event:  Event{Type: EventOrderDeleted, TenantID: "t1", OrderID: "o1"},
			want:   InvalidationResult{Orders: 1, Reports: 1},
			o1Gone: true,
		},
		{
			name:  "product cost changed",
			event: Event{Type: EventProductCostChanged, TenantID: "t1", ProductID: "p1"},
			want:  InvalidationResult{Reports: 1},
		},
		{
			name:  "lead batch created",
			event: Event{Type: EventLeadBatchChanged, TenantID: "t1", LeadBatchID: "b1"},
			want:  InvalidationResult{Reports: 1},
		},
		{
			name:   "lead batch cost changed",
			event:  Event{Type: EventLeadBatchChanged, TenantID: "t1", LeadBatchID: "b1", ChangedFields: []string{"total_cost"}},
			want:   InvalidationResult{Orders: 2, Reports: 1},
			o1Gone: true,
			o2Gone: true,
		},
		{
			name:        "tenant config changed",
			event:       Event{Type: EventTenantConfigChanged, TenantID: "t1"},
			want:        InvalidationResult{Orders: 2, Reports: 1, Defaults: true},
			o1Gone:      true,
			o2Gone:      true,
			defaultGone: true,
		},
		{
			name:        "bulk change",
			event:       Event{Type: EventTenantBulk, TenantID: "t1"},
			want:        InvalidationResult{Orders: 2, Reports: 1, Defaults: true},
			o1Gone:      true,
			o2Gone:      true,
			defaultGone: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := fillCache(t)
			d := NewDispatcher(c.Cache, nil, discardLogger())

			got, err := d.Apply(tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			_, ok := c.order(OrderKey{"t1", "o1"})
			assert.Equal(t, tc.o1Gone, !ok, "o1")
			_, ok = c.order(OrderKey{"t1", "o2"})
			assert.Equal(t, tc.o2Gone, !ok, "o2")
			_, ok = c.tenantDefaults("t1")
			assert.Equal(t, tc.defaultGone, !ok, "defaults")
			_, ok = c.order(OrderKey{"t2", "o1"})
			assert.True(t, ok, "other tenant untouched")
		})
	}
}

func TestEventValidate(t *testing.T) {
	assert.Equal(t, CodeInvalidIdentifier, CodeOf(Event{Type: EventOrderCreated}.Validate()))
	assert.Equal(t, CodeInvalidIdentifier, CodeOf(Event{Type: EventOrderUpdated, TenantID: "t1"}.Validate()))
	assert.Equal(t, CodeInvalidIdentifier, CodeOf(Event{Type: EventProductCostChanged, TenantID: "t1"}.Validate()))
	assert.Equal(t, CodeInvalidIdentifier, CodeOf(Event{Type: "order.exploded", TenantID: "t1"}.Validate()))
	assert.NoError(t, Event{Type: EventTenantBulk, TenantID: "t1"}.Validate())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return p.err
}

type recordingNotifier struct {
	calls [][2]string
	err   error
}

func (n *recordingNotifier) ProductCostChanged(_ context.Context, tenantID, productID string) error {
	n.calls = append(n.calls, [2]string{tenantID, productID})
	return n.err
}

func TestDispatchPublishesAndNotifies(t *testing.T) {
	c := fillCache(t)
	pub := &recordingPublisher{err: errors.New("redis down")}
	notifier := &recordingNotifier{}
	d := NewDispatcher(c.Cache, pub, discardLogger())
	d.SetProductCostNotifier(notifier)

	res, err := d.Dispatch(context.Background(), Event{Type: EventProductCostChanged, TenantID: "t1", ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reports)
	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(Event)
	require.True(t, ok)
	assert.False(t, ev.OccurredAt.IsZero())
	assert.Equal(t, [][2]string{{"t1", "p1"}}, notifier.calls)

	_, err = d.Dispatch(context.Background(), Event{Type: EventOrderDeleted, TenantID: "t1"})
	assert.Equal(t, CodeInvalidIdentifier, CodeOf(err))
	assert.Len(t, pub.events, 1)
}

func TestHandleRemoteIgnoresGarbage(t *testing.T) {
	c := fillCache(t)
	d := NewDispatcher(c.Cache, nil, discardLogger())

	d.HandleRemote(context.Background(), json.RawMessage(`{not json`))
	d.HandleRemote(context.Background(), json.RawMessage(`{"type":"order.deleted","tenant_id":"t1"}`))
	_, ok := c.order(OrderKey{"t1", "o1"})
	assert.True(t, ok)

	d.HandleRemote(context.Background(), json.RawMessage(`{"type":"order.deleted","tenant_id":"t1","order_id":"o1"}`))
	_, ok = c.order(OrderKey{"t1", "o1"})
	assert.False(t, ok)
}

func TestInvalidationCrossesInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := fillCache(t)
	remote := fillCache(t)
	localBus := cache.NewBroadcaster(client, "profit.invalidate", discardLogger())
	remoteBus := cache.NewBroadcaster(client, "profit.invalidate", discardLogger())
	localDispatcher := NewDispatcher(local.Cache, localBus, discardLogger())
	remoteDispatcher := NewDispatcher(remote.Cache, remoteBus, discardLogger())
	require.NoError(t, remoteDispatcher.Listen(ctx, remoteBus))

	_, err := localDispatcher.Dispatch(ctx, Event{Type: EventOrderCostsEdited, TenantID: "t1", OrderID: "o1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := remote.order(OrderKey{"t1", "o1"})
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := remote.order(OrderKey{"t1", "o2"})
	assert.True(t, ok)
}

func TestListenRequiresSubscriber(t *testing.T) {
	d := NewDispatcher(NewCache(DefaultCacheConfig()), nil, discardLogger())
	assert.Error(t, d.Listen(context.Background(), nil))
}
