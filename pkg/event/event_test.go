package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meterdesk/meterdesk/pkg/event"
)

func TestFireIsSynchronous(t *testing.T) {
	t.Cleanup(event.Flush)

	var got []interface{}
	event.Listen("reading.created", func(payload interface{}) {
		got = append(got, payload)
	})
	event.Listen("reading.created", func(payload interface{}) {
		got = append(got, payload)
	})

	event.Fire("reading.created", "r1")
	assert.Equal(t, []interface{}{"r1", "r1"}, got)
}

func TestFireUnknownEventIsNoop(t *testing.T) {
	t.Cleanup(event.Flush)
	assert.NotPanics(t, func() { event.Fire("reading.deleted", nil) })
}

func TestFireAsync(t *testing.T) {
	t.Cleanup(event.Flush)

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})

	event.Listen("reading.approved", func(payload interface{}) {
		assert.Equal(t, "r2", payload)
		wg.Done()
	})

	event.FireAsync("reading.approved", "r2")
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async listener was never invoked")
	}
}

func TestFlush(t *testing.T) {
	called := false
	event.Listen("reading.rejected", func(interface{}) { called = true })
	event.Flush()
	event.Fire("reading.rejected", nil)
	assert.False(t, called)
}
