// Package orchestrator coordinates audit runs: selective cache invalidation,
// step-table initialization, sequential step execution with progressive
// persistence, issue aggregation, correction-action execution, and crash
// recovery at process start.
//
// It exposes Service for driving audits programmatically and the dependency
// contracts implemented by platform collaborators, session stores, and
// progress sinks.
package orchestrator
