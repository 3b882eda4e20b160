package platform

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPlatform(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	p := New(start)

	id := uuid.New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.AddUniquePlayer(id)
			p.AddUniqueIP("192.0.2.1")
		}()
	}
	wg.Wait()
	p.AddUniqueIP("192.0.2.2")

	assert.Equal(t, []uuid.UUID{id}, p.UniquePlayers())
	assert.ElementsMatch(t, []string{"192.0.2.1", "192.0.2.2"}, p.UniqueIPs())
	assert.Equal(t, start, p.StartTime())

	stats := p.Stats()
	assert.Equal(t, 1, stats.UniquePlayers)
	assert.Equal(t, 2, stats.UniqueIPs)
	assert.GreaterOrEqual(t, stats.Uptime, time.Hour)
}
