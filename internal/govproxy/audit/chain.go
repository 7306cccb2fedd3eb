package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// chainHash computes SHA256(prev + "|" + canonical). The "|" separator
// keeps the previous hash and the entry body apart.
func chainHash(prev, canonical string) string {
	h := sha256.Sum256([]byte(prev + "|" + canonical))
	return hex.EncodeToString(h[:])
}

// hashEntry returns the chain hash of e appended after prev. Hash fields
// already set on e are ignored.
func hashEntry(prev string, e model.AuditEntry) (string, error) {
	m, err := entryMap(e)
	if err != nil {
		return "", err
	}
	canon, err := Canonicalize(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return chainHash(prev, canon), nil
}

// VerifyChain validates an NDJSON audit log, returning tampered chain
// indices and the final head.
//
// For each entry the stored hash_prev must equal the previous entry's hash
// and SHA256(hash_prev | canonical(entry)) must equal the stored hash.
// start is the state the log continues from; nil means a new chain.
func VerifyChain(input io.Reader, start *ChainState) ([]int, string, int, error) {
	return verifyEntries(input, start, nil)
}

// verifyEntries is VerifyChain with a callback receiving each entry's chain
// index and stored hash.
func verifyEntries(input io.Reader, start *ChainState, visit func(index int, hash string)) ([]int, string, int, error) {
	log := logger.L()
	begin := time.Now()
	log.Debugw("audit.verify: start")

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	tampered := make([]int, 0)
	head := zeroHash()
	if start != nil {
		head = start.LastHeadHash
	}
	processed := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal(line, &evt); err != nil {
			return tampered, head, processed, fmt.Errorf("decode entry %d: %w", processed+1, err)
		}

		prev, _ := evt["hash_prev"].(string)
		got, _ := evt["hash"].(string)
		idxFloat, _ := evt["hash_chain_index"].(float64) // JSON numbers are float64
		idx := int(idxFloat)

		canon, err := Canonicalize(evt)
		if err != nil {
			return tampered, head, processed, fmt.Errorf("canonicalize: %w", err)
		}
		if prev != head || chainHash(prev, canon) != got {
			tampered = append(tampered, idx)
		}

		if visit != nil {
			visit(idx, got)
		}
		head = got
		processed++
	}
	if err := scanner.Err(); err != nil {
		return tampered, head, processed, fmt.Errorf("scan input: %w", err)
	}

	log.Infow("audit.verify: done", "entries", processed, "tampered", len(tampered), "duration", time.Since(begin))
	return tampered, head, processed, nil
}
