// Package task contains the orchestration core of the pipeline: the batch
// coordinator that accumulates client-submitted batches, the per-run image
// dedup cache, and the orchestrator that drives every task through the
// describe, refine, submit, poll, download, and extend steps while persisting
// each transition to the task store.
package task
