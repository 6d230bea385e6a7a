package errsink

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySinkMarshalsAsEmptyArray(t *testing.T) {
	s := New()
	assert.True(t, s.Empty())

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestAddAppendsEntriesInOrder(t *testing.T) {
	s := New()
	s.Add("d", "read_only=1 failed")
	s.Add("p", "catchup timed out")

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "d", entries[0].Server)
	assert.Equal(t, "p", entries[1].Server)
	assert.False(t, s.Empty())
}

func TestAddIsSafeForConcurrentUse(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add("agent", "failure")
		}()
	}
	wg.Wait()
	assert.Len(t, s.Entries(), 50)
}
