package expressions

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramCache_CompilesOnce(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	c := newProgramCache(func(src string) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[src]++
		if src == "bad" {
			return 0, errors.New("nope")
		}
		return len(src), nil
	})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.get("abc")
			assert.NoError(t, err)
			assert.Equal(t, 3, n)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls["abc"])

	_, err := c.get("bad")
	require.Error(t, err)
	_, err = c.get("bad")
	require.Error(t, err)
	assert.Equal(t, 2, calls["bad"])
	assert.Equal(t, 1, c.len())
}
