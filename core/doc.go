// Package core holds the shared domain types, error taxonomy, configuration
// and observability plumbing used by every ingestion component. It has no
// dependencies on the concrete schedulers or stores; those packages depend
// on core, never the other way around.
package core
