package model

import "time"

// LogChunk is one ordered piece of a run's captured output. Sequence numbers
// start at 0 and are dense per run; a chunk is durably appended before any
// live subscriber sees it.
type LogChunk struct {
	RunID   string    `json:"run_id"`
	Seq     uint64    `json:"seq"`
	Payload string    `json:"payload"`
	At      time.Time `json:"at"`
}
