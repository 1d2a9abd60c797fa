/*
Package resilience keeps a circuit breaker per CDN host.

A host that fails FailureThreshold requests in a row is skipped for
Cooldown. After that, up to Probes requests are let through; enough
successes close the circuit again and any failure reopens it. A skipped
request fails at once, so the download scheduler moves on to its next host
without waiting on a dead one.

# Usage

	hosts := resilience.NewHosts(resilience.Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	})

	ticket, err := hosts.Allow("cdn1.example.com")
	if err != nil {
		return err // resilience.ErrCircuitOpen
	}
	ok := doRequest()
	hosts.Done(ticket, ok)
*/
package resilience
