// Package audit defines the tracking-audit domain model: audit types, the
// per-type step definition tables, the step/issue/action status machines, and
// the status roll-up rules shared by every audit workflow.
//
// The package is pure data and transition logic; orchestration, persistence,
// and collaborator I/O live in sibling packages.
package audit
