package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestKeyedMutex_SerializesSameKey tests that holders of the same key never
// overlap their critical sections
func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex(16)

	const goroutines = 32
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("https://evil.example.com/login")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines, counter)
}

// TestKeyedMutex_DistinctKeysIndependent tests that different keys on
// different stripes do not block each other
func TestKeyedMutex_DistinctKeysIndependent(t *testing.T) {
	km := NewKeyedMutex(256)

	// Find two keys on distinct stripes.
	keyA := "target-a"
	keyB := ""
	for _, candidate := range []string{"target-b", "target-c", "target-d", "target-e"} {
		if km.index(candidate) != km.index(keyA) {
			keyB = candidate
			break
		}
	}
	if keyB == "" {
		t.Skip("no stripe-distinct key found")
	}

	unlockA := km.Lock(keyA)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock(keyB)
		unlockB()
		close(done)
	}()
	<-done
}

// TestKeyedMutex_StripeFallback tests the default stripe count
func TestKeyedMutex_StripeFallback(t *testing.T) {
	km := NewKeyedMutex(0)
	unlock := km.Lock("any")
	unlock()
}
