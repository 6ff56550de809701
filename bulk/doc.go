// Package bulk orchestrates long-running export jobs against a remote
// destination: lifecycle transitions, bounded polling, retry and cancel,
// stall and retention sweeps, and streaming access to newline-delimited
// result files.
package bulk
