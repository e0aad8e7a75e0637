/*
Package servicemesh provides service mesh components for microservices.

Subpackages:

  - circuitbreaker: Circuit breaker pattern implementation
  - ratelimit: Rate limiting algorithms

There is no service discovery subpackage.

Usage:

	import "github.com/deviceflux/deviceflux/pkg/servicemesh/ratelimit"

	limiter := ratelimit.NewTokenBucket(100, 10)
	if limiter.Allow() {
	    // Process request
	}
*/
package servicemesh
