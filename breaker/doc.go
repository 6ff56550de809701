// Package breaker fails calls fast while a destination is unhealthy,
// tracking state per destination key with a single half-open probe slot.
package breaker
