package coedit

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	assert.Equal(t, len(callbacks.Get()), 0)

	aId := callbacks.Add(func() int {
		return 1
	})
	bId := callbacks.Add(func() int {
		return 2
	})

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 2})

	callbacks.Remove(aId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{2})

	// removing an unknown id is a no-op
	callbacks.Remove(aId)
	callbacks.Remove(100)
	assert.Equal(t, len(callbacks.Get()), 1)

	callbacks.Remove(bId)
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestCallbackListSnapshot(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	callbacks.Add(func() {})
	snapshot := callbacks.Get()
	callbacks.Add(func() {})

	// a snapshot taken before an add is unaffected by it
	assert.Equal(t, len(snapshot), 1)
	assert.Equal(t, len(callbacks.Get()), 2)
}

func TestReconnect(t *testing.T) {
	start := time.Now()
	reconnect := NewReconnect(50 * time.Millisecond)

	// time already spent counts against the timeout
	time.Sleep(20 * time.Millisecond)

	<-reconnect.After()
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond {
		t.Fatalf("reconnect fired early: %s", elapsed)
	}
	if 500*time.Millisecond < elapsed {
		t.Fatalf("reconnect fired late: %s", elapsed)
	}
}
