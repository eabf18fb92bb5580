// Package storage is the orchestrator of the capture write path. It owns
// the buffer pool, the NVMe manager, the I/O pipeline, the index and
// lifecycle managers, the pressure cascade, and the telemetry archive, and
// wires their pressure signals and control actions together.
//
// The hot path is WritePacket: allocate an arena slot, commit the payload,
// submit the batch, and index the extent once the completion lands. Every
// step is fail-fast; under pressure the cascade shrinks the pool ceiling,
// suspends non-critical pipeline classes, and triggers emergency index
// snapshots.
package storage
