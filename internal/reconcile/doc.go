// Package reconcile implements the pure cross-source comparison algorithms
// shared by the audit workflows: coverage-rate computation over identifier
// sets, match-rate computation over scalar counts, and the single
// rate-to-status classification used everywhere a percentage becomes a
// step status.
package reconcile
