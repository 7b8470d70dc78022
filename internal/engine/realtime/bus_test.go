package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(WithClock(fixedClock))

	var got []models.UpdateEvent
	nameSub := bus.Subscribe([]string{"name"}, func(e models.UpdateEvent) { got = append(got, e) })
	other := bus.Subscribe([]string{"age"}, func(models.UpdateEvent) { t.Fatal("age subscriber notified") })

	delivered := bus.Publish("name", "Ada")

	assert.Equal(t, 1, delivered)
	require.Len(t, got, 1)
	assert.Equal(t, models.UpdateEvent{VariableName: "name", NewValue: "Ada", Timestamp: fixedClock()}, got[0])
	assert.Equal(t, int64(1), nameSub.Notifications())
	assert.Equal(t, int64(0), other.Notifications())
}

func TestWildcardSubscription(t *testing.T) {
	bus := NewBus()

	var names []string
	bus.Subscribe(nil, func(e models.UpdateEvent) { names = append(names, e.VariableName) })

	bus.Publish("a", 1)
	bus.Publish("b", 2)

	assert.Equal(t, []string{"a", "b"}, names)
}

func TestEqualValuesAreSuppressed(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe([]string{"tags"}, func(models.UpdateEvent) { count++ })

	bus.Publish("tags", []interface{}{"a", "b"})
	bus.Publish("tags", []interface{}{"a", "b"})
	bus.Publish("tags", []interface{}{"a"})

	assert.Equal(t, 2, count)
	assert.Equal(t, Stats{Subscribers: 1, Published: 2, Suppressed: 1}, bus.Stats())
}

func TestSubscriptionStateMachine(t *testing.T) {
	bus := NewBus()

	var sub *Subscription
	var during State
	sub = bus.Subscribe([]string{"x"}, func(models.UpdateEvent) { during = sub.State() })

	assert.Equal(t, StateSubscribed, sub.State())

	bus.Publish("x", 1)
	assert.Equal(t, StateNotified, during)
	assert.Equal(t, StateSubscribed, sub.State())

	sub.Unsubscribe()
	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, 0, bus.Subscribers())
}

func TestUnsubscribedReceivesNothing(t *testing.T) {
	bus := NewBus()

	count := 0
	sub := bus.Subscribe([]string{"x"}, func(models.UpdateEvent) { count++ })
	sub.Unsubscribe()

	assert.Equal(t, 0, bus.Publish("x", 1))
	assert.Equal(t, 0, count)
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	bus := NewBus()

	var second *Subscription
	secondCalls := 0
	bus.Subscribe([]string{"x"}, func(models.UpdateEvent) { second.Unsubscribe() })
	second = bus.Subscribe([]string{"x"}, func(models.UpdateEvent) { secondCalls++ })

	assert.Equal(t, 1, bus.Publish("x", 1))
	assert.Equal(t, 0, secondCalls)
}

func TestHandlerMayPublish(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe([]string{"a"}, func(e models.UpdateEvent) {
		order = append(order, "a")
		bus.Publish("b", e.NewValue)
	})
	bus.Subscribe([]string{"b"}, func(models.UpdateEvent) { order = append(order, "b") })

	bus.Publish("a", 1)

	assert.Equal(t, []string{"a", "b"}, order)
	v, ok := bus.Last("b")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSeedSuppressesRestoredValues(t *testing.T) {
	bus := NewBus()
	bus.Seed(map[string]interface{}{"name": "Ada"})

	count := 0
	bus.Subscribe([]string{"name"}, func(models.UpdateEvent) { count++ })

	bus.Publish("name", "Ada")
	bus.Publish("name", "Grace")

	assert.Equal(t, 1, count)
}

func TestClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe([]string{"x"}, func(models.UpdateEvent) { t.Fatal("closed bus delivered") })

	bus.Close()

	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, 0, bus.Publish("x", 1))

	late := bus.Subscribe([]string{"x"}, func(models.UpdateEvent) {})
	assert.Equal(t, StateIdle, late.State())
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	seen := make(map[string]int)
	bus.Subscribe(nil, func(e models.UpdateEvent) {
		mu.Lock()
		seen[e.VariableName]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(string(rune('a'+n)), j)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		assert.Equal(t, 50, seen[string(rune('a'+i))])
	}
}

func TestSubscriptionNames(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe([]string{"b", "", "a"}, func(models.UpdateEvent) {})

	assert.Equal(t, []string{"a", "b"}, sub.Names())
}
