package reaper

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	expired [][]byte
	hints   chan []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{hints: make(chan []byte, 8)}
}

func (f *fakeStore) ScanExpired(limit int) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < len(f.expired) {
		return append([][]byte(nil), f.expired[:limit]...)
	}
	return append([][]byte(nil), f.expired...)
}

func (f *fakeStore) ExpiredHints() <-chan []byte {
	return f.hints
}

func (f *fakeStore) setExpired(keys ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = keys
}

func TestReaperSweepsOnTicker(t *testing.T) {
	fs := newFakeStore()
	fs.setExpired([]byte("a"), []byte("b"))

	var mu sync.Mutex
	var evicted [][]byte
	r := New(Config{Interval: 10 * time.Millisecond, PerTickLimit: 10}, fs, func(key []byte) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, key)
	}, zerolog.Nop())

	r.Start()
	defer r.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestReaperRespectsPerTickLimit(t *testing.T) {
	fs := newFakeStore()
	fs.setExpired([]byte("a"), []byte("b"), []byte("c"))

	var mu sync.Mutex
	var evicted [][]byte
	r := New(Config{Interval: 5 * time.Millisecond, PerTickLimit: 1}, fs, func(key []byte) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, key)
	}, zerolog.Nop())

	r.Start()
	time.Sleep(12 * time.Millisecond)
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(evicted), 3)
	assert.NotEmpty(t, evicted)
}

func TestReaperEvictsHintedKeysWithoutWaitingForTick(t *testing.T) {
	fs := newFakeStore()

	var mu sync.Mutex
	var evicted [][]byte
	r := New(Config{Interval: time.Hour}, fs, func(key []byte) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, key)
	}, zerolog.Nop())

	r.Start()
	defer r.Close()

	fs.hints <- []byte("hinted")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestReaperCloseIsIdempotentAndDeterministic(t *testing.T) {
	fs := newFakeStore()
	r := New(Config{Interval: time.Hour}, fs, func(key []byte) {}, zerolog.Nop())

	r.Close() // never started
	r.Start()
	r.Close()
	r.Close() // already stopped
}
