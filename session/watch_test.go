package session

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/nutriscan/nutriscan/logging"
)

func TestWatchSeesAtomicRewrites(t *testing.T) {
	store := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, store.Path(), logging.NewTestLogger(t), func() {
			changed <- struct{}{}
		})
	}()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	_, err := store.Insert(context.Background(), Record{})
	test.That(t, err, test.ShouldBeNil)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
