// Package ratelimit budgets outbound calls per destination with a rolling
// window, priority-ordered admission, and adaptive throttling driven by
// upstream budget headers.
package ratelimit
