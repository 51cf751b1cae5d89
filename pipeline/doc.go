// Package pipeline defines the pipeline run data model, the Store
// compare-and-swap persistence contract, and the Recorder that applies
// step transitions idempotently on top of it.
//
// The JSON layout of Run and StepState is the wire/storage format shared
// across processes and versions during a rolling deploy; field names and
// status enum values must not change.
package pipeline
