package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_CircuitBreakerOpensExactlyAtThreshold(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("n-1 failures keep the breaker closed, n open it", prop.ForAll(
		func(maxFailures int) bool {
			cb := NewCircuitBreaker(maxFailures, time.Minute)
			for i := 0; i < maxFailures-1; i++ {
				_ = cb.Execute(failing)
			}
			if cb.GetState() != StateClosed {
				return false
			}
			_ = cb.Execute(failing)
			return cb.GetState() == StateOpen
		},
		gen.IntRange(1, 20),
	))

	properties.Property("interleaved successes never let the breaker open", prop.ForAll(
		func(maxFailures, rounds int) bool {
			cb := NewCircuitBreaker(maxFailures, time.Minute)
			for i := 0; i < rounds; i++ {
				for j := 0; j < maxFailures-1; j++ {
					_ = cb.Execute(failing)
				}
				_ = cb.Execute(succeeding)
			}
			return cb.GetState() == StateClosed
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestProperty_CircuitBreakerConcurrentCalls(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("concurrent failures open the breaker without races", prop.ForAll(
		func(goroutines int) bool {
			cb := NewCircuitBreaker(goroutines, time.Minute)
			var wg sync.WaitGroup
			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = cb.Execute(failing)
				}()
			}
			wg.Wait()
			return cb.GetState() == StateOpen
		},
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
