/*
Package resilience provides circuit breakers for remote plugin sources.

# Overview

Plugin scripts may be fetched from third-party hosts. A host that keeps failing is
cut off for a while so loads fail fast instead of waiting on timeouts and retries.
Set keeps one breaker per host name.

# Features

- Three-state circuit breaker (Closed, Open, Half-Open)
- Configurable failure thresholds and timeouts
- Automatic state transitions
- Concurrent request handling
- Error classification (IsSuccessful) so client errors never open the circuit
- State change callbacks for monitoring
- Thread-safe operations

# Usage

	// Create a circuit breaker
	breaker := resilience.New("service", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	// Execute request through breaker
	body, err := resilience.Do(breaker, func() ([]byte, error) {
		return fetch(ctx, url)
	})

	// Or one breaker per remote host
	breakers := resilience.NewSet(settings)
	err := breakers.Get(u.Host).Execute(func() error { ... })

# States

- Closed: Normal operation, requests pass through
- Open: Service unavailable, requests fail immediately
- Half-Open: Testing if service recovered, limited requests allowed

# Pattern

The circuit breaker transitions between states based on success/failure rates:

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
