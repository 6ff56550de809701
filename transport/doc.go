// Package transport binds the resilience stack to HTTP: an outbound client
// that layers throttle state, circuit breaking, and window budgets around
// destination calls, and an inbound handler that acknowledges webhook
// deliveries.
package transport
