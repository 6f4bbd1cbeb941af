package monitoring

import (
	"expvar"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewCounter(t *testing.T) {
	c := NewCounter("test_counter")
	c.Set(10)
	assert.Equal(t, int64(10), c.Get())
	c.Add(5)
	c.Inc()
	assert.Equal(t, int64(16), c.Get())
	assert.Equal(t, "16", c.String())
	assert.Equal(t, "16", expvar.Get("test_counter").String())
}

func TestCounterParallelInc(t *testing.T) {
	var c Counter
	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(n), c.Get())
}

func TestCounterDuplicate(t *testing.T) {
	assert.Panics(t, func() {
		_ = NewCounter("counter")
		_ = NewCounter("counter")
	})
}

func TestRate(t *testing.T) {
	var c Counter
	c.Add(3)
	at := time.Unix(100, 0)
	r := NewRate("test_rate", &c, at)
	c.Add(20)
	assert.EqualValues(t, 20, r.Tick(at.Add(2*time.Second)))
	assert.EqualValues(t, 10, r.Get())
	assert.Equal(t, "10", expvar.Get("test_rate").String())

	assert.EqualValues(t, 0, r.Tick(at.Add(2*time.Second)), "zero period keeps rate")
	assert.EqualValues(t, 10, r.Get())

	unpublished := NewRate("", &c, at)
	c.Inc()
	assert.EqualValues(t, 1, unpublished.Tick(at.Add(time.Second)))
}
