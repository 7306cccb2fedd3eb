package audit

import "time"

// ChainState stores the rolling head and index of the audit hash chain so
// a restarted logger continues the same chain.
type ChainState struct {
	LastChainIndex int    `json:"last_chain_index"` // Position in the hash chain
	LastHeadHash   string `json:"last_head_hash"`   // Hash of the last entry
}

// Checkpoint captures the chain head at a given chain index.
//
// A checkpoint is a signed snapshot of the chain state. It is tamper-evident
// evidence that the log up to ChainIndex has not been rewritten since
// CreatedAt. The signature is kept in the SignedCheckpoint wrapper.
type Checkpoint struct {
	ChainIndex int       `json:"chain_index"` // Position in the hash chain
	HeadHash   string    `json:"head_hash"`   // Hash of the last entry
	CreatedAt  time.Time `json:"created_at"`  // Creation timestamp (UTC)
}

// SignedCheckpoint wraps a checkpoint with a detached signature.
type SignedCheckpoint struct {
	Checkpoint Checkpoint `json:"checkpoint"` // The checkpoint data
	Signature  string     `json:"signature"`  // Base64-encoded ECDSA signature
}

// VerifyReport records the result of verifying an audit log.
type VerifyReport struct {
	InputFile           string `json:"input_file"`
	EntriesProcessed    int    `json:"entries_processed"`
	TamperedEntries     []int  `json:"tampered_entries,omitempty"` // Chain indices that failed
	HeadHash            string `json:"head_hash"`
	CheckpointPath      string `json:"checkpoint_path,omitempty"`
	CheckpointsVerified bool   `json:"checkpoints_verified"`
	Status              string `json:"status"` // pass or fail
	StartTime           string `json:"start_time"`
	EndTime             string `json:"end_time"`
}

// Passed reports whether the log verified cleanly.
func (r VerifyReport) Passed() bool {
	return r.Status == "pass"
}
