// Package webhooks implements the inbound delivery pipeline: signature and
// freshness verification, topic routing, and two-tier idempotency over an
// in-memory ledger with an optional durable store behind it.
package webhooks
