package id

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	assert.NotEqual(t, id1.String(), id2.String())
}

func TestGenerateString(t *testing.T) {
	id := NewGenerator().GenerateString()
	assert.Len(t, id, 26)
}

func TestPrefixed(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{ReservationPrefix, RequestPrefix, CommandPrefix, EventPrefix} {
		t.Run(prefix, func(t *testing.T) {
			before := time.Now().Add(-time.Second)
			id := gen.prefixed(prefix)

			require.True(t, strings.HasPrefix(id, prefix+"_"), id)
			parts := strings.Split(id, "_")
			require.Len(t, parts, 2)
			parsed, err := ulid.Parse(parts[1])
			require.NoError(t, err)
			assert.True(t, ulid.Time(parsed.Time()).After(before))
		})
	}
}

func TestTypedIDGeneration(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewReservationID().String(), "res_"))
	assert.True(t, strings.HasPrefix(NewRequestID().String(), "req_"))
	assert.True(t, strings.HasPrefix(NewCommandID().String(), "cmd_"))
	assert.True(t, strings.HasPrefix(NewEventID().String(), "evt_"))
}

func TestSortableByCreation(t *testing.T) {
	gen := NewGenerator()
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = gen.GenerateString()
	}

	assert.True(t, sort.StringsAreSorted(ids), "monotonic ULIDs should sort in creation order")
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()
	const workers, perWorker = 10, 100

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := gen.GenerateString()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func BenchmarkGenerate(b *testing.B) {
	gen := NewGenerator()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gen.Generate()
	}
}
