package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartAllSkipsDisabledAndStopsInReverse(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	blockUntilCancel := func(ctx context.Context) { <-ctx.Done() }

	sup := New([]Service{
		{Name: "a", Enabled: true, Run: blockUntilCancel, Stop: func(context.Context) error {
			record("stop-a")
			return nil
		}},
		{Name: "b", Enabled: false, Run: blockUntilCancel, Stop: func(context.Context) error {
			record("stop-b")
			return nil
		}},
		{Name: "c", Enabled: true, Run: blockUntilCancel, Stop: func(context.Context) error {
			record("stop-c")
			return errors.New("boom") // must not block stop-a
		}},
	})

	sup.StartAll(context.Background())
	time.Sleep(20 * time.Millisecond)
	sup.StopAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stop-c", "stop-a"}, order)
}

func TestStopAllWithoutStartIsNoop(t *testing.T) {
	sup := New(nil)
	sup.StopAll(context.Background())
}

func TestStopAllWaitsForRunLoops(t *testing.T) {
	done := make(chan struct{})
	sup := New([]Service{{
		Name:    "slow",
		Enabled: true,
		Run: func(ctx context.Context) {
			<-ctx.Done()
			time.Sleep(30 * time.Millisecond)
			close(done)
		},
	}})

	sup.StartAll(context.Background())
	time.Sleep(10 * time.Millisecond)
	sup.StopAll(context.Background())

	select {
	case <-done:
	default:
		t.Fatal("StopAll returned before the run loop finished")
	}
}
