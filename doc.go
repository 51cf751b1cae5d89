// Package conduct provides a resumable, idempotent orchestration engine for
// multi-step analysis pipelines. Each pipeline run fans a target entity (a
// captured media post or a story event) out into independently executed
// analysis steps, tracks their progress through a compare-and-swap state
// store, and consolidates their results exactly once when every required
// step has reached a terminal status.
//
// Conduct is designed as a library, not a service. Import it, configure a
// store and a queue, register pipelines, and call StartRun.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithQueue(q),
//	    engine.WithRegistry(registry.Builtin()),
//	)
//
// # Architecture
//
// The engine is a state machine over storage: workers never share memory
// with the orchestrator. All coordination happens through the pipeline
// Store's version-token contract, and the only blocking a caller ever does
// is a bounded retry loop on a storage conflict. Run completion is decided
// by the Finalizer, serialized per run by a short-TTL lock so the
// consolidation side effect fires at most once per run.
package conduct
