// Package config loads the sweepd JSON configuration and fills in defaults
// for every section the daemon wires: ledger endpoints, batching limits,
// credential sources, job storage, queues, locks and schedules.
package config
