// Package cli wires the trackaudit root command: configuration loading,
// logger construction, and registration of the audit subcommands.
package cli
