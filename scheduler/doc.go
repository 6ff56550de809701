// Package scheduler redrives failed webhook deliveries with exponential
// backoff and tiered topic priority, and parks exhausted deliveries in a
// dead letter store for operator resweep.
package scheduler
