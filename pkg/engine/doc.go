// Package engine executes privacy request plans against connected data stores.
//
// Architecture:
//
// executor.go - Executor lifecycle (Submit, Run, pause/cancel), level barrier, terminal status
// node.go     - Access and erasure node execution, execution log transitions, telemetry
// call.go     - Governed connector calls: concurrency cap, circuit breaker, rate limit, retries
// state.go    - Per-run value map feeding dependents and the resume checkpoint view
// result.go   - Run result and include-rule filtering of access output
// config.go   - ExecutorConfig and collaborator interfaces
//
// The execution log is the single source of truth for whether a node has run:
// Run is re-entrant and resumes any request from its stored logs and cached rows.
package engine
