package watch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmsync/pkg/watch"
)

func TestWatchReplaysCurrentValue(t *testing.T) {
	v := watch.NewValue(42)
	ch := v.Watch(t.Context())

	select {
	case got := <-ch:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("subscription must immediately yield the current value")
	}
}

func TestSetNotifiesAllWatchers(t *testing.T) {
	v := watch.NewValue("a")
	ch1 := v.Watch(t.Context())
	ch2 := v.Watch(t.Context())
	<-ch1
	<-ch2

	v.Set("b")
	assert.Equal(t, "b", <-ch1)
	assert.Equal(t, "b", <-ch2)
	assert.Equal(t, "b", v.Get())
}

func TestLaggingWatcherSeesOnlyLatest(t *testing.T) {
	v := watch.NewValue(0)
	ch := v.Watch(t.Context())
	<-ch

	for i := 1; i <= 10; i++ {
		v.Set(i)
	}

	got := <-ch
	assert.Equal(t, 10, got, "intermediate values are coalesced for a slow watcher")
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered value %v", extra)
	default:
	}
}

func TestUpdateAppliesUnderLock(t *testing.T) {
	v := watch.NewValue(1)
	v.Update(func(cur int) int { return cur + 1 })
	assert.Equal(t, 2, v.Get())
}

func TestWatchEndsWithContext(t *testing.T) {
	v := watch.NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := v.Watch(ctx)
	<-ch
	cancel()

	// The unsubscribe is asynchronous; once it lands, further sets do
	// not reach the channel.
	require.Eventually(t, func() bool {
		v.Set(99)
		select {
		case <-ch:
			return false
		default:
			return true
		}
	}, 5*time.Second, 10*time.Millisecond)
}
