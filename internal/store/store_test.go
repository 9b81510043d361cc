package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s := New()
	s.Put([]byte("k"), Record{Value: []byte("v")})

	rec, ok := s.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), rec.Value)

	prior, ok := s.Delete([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), prior.Value)

	_, ok = s.Get([]byte("k"))
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	s := New()
	s.Put([]byte("s"), Record{Value: []byte("d"), ExpiresAt: time.Now().Add(-time.Second)})

	_, ok := s.Get([]byte("s"))
	assert.False(t, ok, "expired record must read as absent")

	select {
	case k := <-s.ExpiredHints():
		assert.Equal(t, []byte("s"), k)
	default:
		t.Fatal("expected expiry hint")
	}
}

func TestPrefixOrdering(t *testing.T) {
	s := New()
	for _, k := range []string{"ns:b", "ns:a", "ns:c", "other:a"} {
		s.Put([]byte(k), Record{Value: []byte(k)})
	}

	var got []string
	s.Prefix([]byte("ns:"), func(key []byte, rec Record) bool {
		got = append(got, string(key))
		return true
	})
	assert.Equal(t, []string{"ns:a", "ns:b", "ns:c"}, got)
}

func TestPrefixUpperBoundAllFF(t *testing.T) {
	p := []byte{0xFF, 0xFF}
	assert.Nil(t, PrefixUpperBound(p))
}

func TestScanExpiredBounded(t *testing.T) {
	s := New()
	past := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		s.Put([]byte{byte(i)}, Record{Value: []byte("v"), ExpiresAt: past})
	}

	found := s.ScanExpired(3)
	assert.Len(t, found, 3)
}

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	a := c.Next()
	b := c.Next()
	assert.Less(t, a, b)
}
