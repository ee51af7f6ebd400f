package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus[int](nil)
	var got []string
	b.Subscribe("t", func(v int) { got = append(got, "a") })
	b.Subscribe("t", func(v int) { got = append(got, "b") })
	b.Subscribe("other", func(v int) { got = append(got, "x") })

	n := b.Publish("t", 1)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus[int](nil)
	calls := 0
	off := b.Subscribe("t", func(int) { calls++ })
	off()
	off()
	b.Publish("t", 1)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, b.Len("t"))
}

func TestBus_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	b := NewBus[string](zap.New(core))

	var got []string
	b.Subscribe("t", func(v string) { got = append(got, "first:"+v) })
	b.Subscribe("t", func(string) { panic("boom") })
	b.Subscribe("t", func(v string) { got = append(got, "third:"+v) })

	n := b.Publish("t", "x")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first:x", "third:x"}, got)
	assert.Equal(t, 1, logs.FilterMessage("subscriber panicked").Len())
}

func TestBus_SubscribeOnceFiresOnce(t *testing.T) {
	b := NewBus[int](nil)
	calls := 0
	b.SubscribeOnce("t", func(int) { calls++ })
	b.Publish("t", 1)
	b.Publish("t", 2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len("t"))
}

func TestBus_UnsubscribeFromWithinCallback(t *testing.T) {
	b := NewBus[int](nil)
	var off func()
	calls := 0
	off = b.Subscribe("t", func(int) {
		calls++
		off()
	})
	second := 0
	b.Subscribe("t", func(int) { second++ })

	b.Publish("t", 1)
	b.Publish("t", 2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, second)
}

func TestBus_SubscribeFromWithinCallbackTakesEffectNextPublish(t *testing.T) {
	b := NewBus[int](nil)
	late := 0
	b.Subscribe("t", func(int) {
		b.Subscribe("t", func(int) { late++ })
	})
	b.Publish("t", 1)
	assert.Equal(t, 0, late)
	b.Publish("t", 2)
	assert.Equal(t, 1, late)
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBus[int](nil)
	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			off := b.Subscribe("t", func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
			b.Publish("t", 1)
			off()
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Positive(t, total)
	assert.Equal(t, 0, b.Len("t"))
}

func TestBus_Clear(t *testing.T) {
	b := NewBus[int](nil)
	b.Subscribe("a", func(int) {})
	b.Subscribe("b", func(int) {})
	b.Clear()
	assert.Equal(t, 0, b.Len("a"))
	assert.Equal(t, 0, b.Publish("b", 1))
}

func TestPropertyBus_EverySubscriberReceivesUnlessUnsubscribed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "subscribers")
		removed := rapid.SliceOfNDistinct(rapid.IntRange(0, n-1), 0, n, rapid.ID[int]).Draw(t, "removed")

		b := NewBus[int](nil)
		counts := make([]int, n)
		offs := make([]func(), n)
		for i := 0; i < n; i++ {
			i := i
			offs[i] = b.Subscribe("t", func(int) { counts[i]++ })
		}
		gone := make(map[int]bool)
		for _, i := range removed {
			offs[i]()
			gone[i] = true
		}

		delivered := b.Publish("t", 0)
		if delivered != n-len(gone) {
			t.Fatalf("delivered %d, want %d", delivered, n-len(gone))
		}
		for i, c := range counts {
			want := 1
			if gone[i] {
				want = 0
			}
			if c != want {
				t.Fatalf("subscriber %d received %d values, want %d", i, c, want)
			}
		}
	})
}
