package audit

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

func TestCanonicalize_IsDeterministic(t *testing.T) {
	ts := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	evt1 := map[string]any{
		"b":      2,
		"a":      1,
		"ts":     ts.Format(time.RFC3339Nano),
		"hash":   "deadbeef",
		"nested": map[string]any{"y": 2, "x": 1},
	}
	// different ordering and offset, same content
	evt2 := map[string]any{
		"a":                1,
		"b":                2,
		"ts":               ts.In(time.FixedZone("CEST", 2*3600)).Format(time.RFC3339Nano),
		"hash_prev":        "ignored",
		"hash_chain_index": 7,
		"nested":           map[string]any{"x": 1, "y": 2},
	}
	c1, err := Canonicalize(evt1)
	if err != nil {
		t.Fatalf("canonicalize 1: %v", err)
	}
	c2, err := Canonicalize(evt2)
	if err != nil {
		t.Fatalf("canonicalize 2: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("canonical forms differ:\n%s\n!=\n%s", c1, c2)
	}
	if strings.Contains(c1, "hash") {
		t.Fatalf("hash fields must not be canonicalized: %s", c1)
	}
}

func TestCanonicalize_LeavesNonRFC3339Strings(t *testing.T) {
	evt := map[string]any{
		"numstr": "00123",
		"ts":     "2026/10/17 09:00:00",
		"arr":    []any{map[string]any{"z": 1, "a": 2}},
	}
	out, err := Canonicalize(evt)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if strings.Contains(out, "2026-10-17T09:00:00Z") {
		t.Fatalf("timestamp should not have been normalized")
	}
	if !strings.Contains(out, `{"a":2,"z":1}`) {
		t.Fatalf("nested keys not sorted: %s", out)
	}
}

func TestChain_Roundtrip_And_Tamper(t *testing.T) {
	out, st := writeChain(t, genesis(), sampleEntries(3))
	if st.LastChainIndex != 3 {
		t.Fatalf("unexpected head index %d", st.LastChainIndex)
	}

	tampered, head, cnt, err := VerifyChain(bytes.NewReader(out), nil)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if len(tampered) != 0 || cnt != 3 || head != st.LastHeadHash {
		t.Fatalf("unexpected verify: tampered=%v cnt=%d head=%s", tampered, cnt, head)
	}

	// rewrite the outcome of the second entry
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	var e2 map[string]any
	if err := json.Unmarshal(lines[1], &e2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	e2["outcome"] = string(model.OutcomeAllowed)
	lines[1], _ = json.Marshal(e2)

	tampered, _, _, err = VerifyChain(bytes.NewReader(bytes.Join(lines, []byte("\n"))), nil)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if len(tampered) != 1 || tampered[0] != 2 {
		t.Fatalf("expected entry 2 flagged, got %v", tampered)
	}
}

func TestChain_DeletedEntryBreaksLink(t *testing.T) {
	out, _ := writeChain(t, genesis(), sampleEntries(3))
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	cut := bytes.Join([][]byte{lines[0], lines[2]}, []byte("\n"))

	tampered, _, cnt, err := VerifyChain(bytes.NewReader(cut), nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cnt != 2 || len(tampered) != 1 || tampered[0] != 3 {
		t.Fatalf("expected entry 3 flagged, got cnt=%d tampered=%v", cnt, tampered)
	}
}

func TestChain_ContinuesFromPriorState(t *testing.T) {
	_, st1 := writeChain(t, genesis(), sampleEntries(2))
	outB, st2 := writeChain(t, &st1, sampleEntries(1))
	if st2.LastChainIndex != 3 {
		t.Fatalf("unexpected B index %d", st2.LastChainIndex)
	}

	var b0 map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(outB), &b0); err != nil {
		t.Fatalf("unmarshal B0: %v", err)
	}
	if prev, _ := b0["hash_prev"].(string); prev != st1.LastHeadHash {
		t.Fatalf("expected B0.prev == A.head, got prev=%s head=%s", prev, st1.LastHeadHash)
	}

	// verified alone, the continuation only passes with the prior state
	tampered, _, _, err := VerifyChain(bytes.NewReader(outB), nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(tampered) != 1 {
		t.Fatalf("expected link break without prior state, got %v", tampered)
	}
	tampered, _, _, err = VerifyChain(bytes.NewReader(outB), &st1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(tampered) != 0 {
		t.Fatalf("unexpected tamper with prior state: %v", tampered)
	}
}

func TestVerify_WithoutHashFields_FlagsAllAsTampered(t *testing.T) {
	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(map[string]any{"hash_chain_index": i + 1, "agent_id": "a"}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	tampered, _, cnt, err := VerifyChain(&in, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cnt != 3 || len(tampered) != 3 {
		t.Fatalf("expected all entries marked tampered, got cnt=%d tampered=%v", cnt, tampered)
	}
}

func TestVerify_RejectsInvalidJSON(t *testing.T) {
	_, _, _, err := VerifyChain(strings.NewReader("{not json}\n"), nil)
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestState_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := LoadState(path)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if st.LastChainIndex != 0 || st.LastHeadHash != zeroHash() {
		t.Fatalf("expected genesis, got %+v", st)
	}

	want := ChainState{LastChainIndex: 42, LastHeadHash: strings.Repeat("ab", 32)}
	if err := SaveState(path, &want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *got != want {
		t.Fatalf("state mismatch: %+v != %+v", *got, want)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp state file left behind")
	}
}

func TestCheckpoint_SignVerify_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	priv, pub := mustGenKeys(t, dir)
	st := ChainState{LastChainIndex: 10, LastHeadHash: "abcd"}
	path, err := WriteCheckpoint(dir, st, priv, time.Now())
	if err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	ok, err := VerifyCheckpoint(path, pub, headIs(10, "abcd"))
	if err != nil {
		t.Fatalf("verify checkpoint: %v", err)
	}
	if !ok {
		t.Fatalf("expected checkpoint verify ok")
	}
}

func TestCheckpoint_VerifyMismatchHead(t *testing.T) {
	dir := t.TempDir()
	priv, pub := mustGenKeys(t, dir)
	path, err := WriteCheckpoint(dir, ChainState{LastChainIndex: 5, LastHeadHash: "abcd"}, priv, time.Now())
	if err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	ok, err := VerifyCheckpoint(path, pub, headIs(5, "efgh"))
	if err != nil {
		t.Fatalf("verify checkpoint: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch to fail verify")
	}
}

func TestCheckpoint_GeneratedKeysAndForgedSignature(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "signing.key")
	pub := filepath.Join(dir, "signing.pub")
	if err := GenerateKeyPair(priv, pub); err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	path, err := WriteCheckpoint(dir, ChainState{LastChainIndex: 3, LastHeadHash: "ff"}, priv, time.Now())
	if err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	sc, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	// move the checkpoint forward without re-signing
	sc.Checkpoint.ChainIndex = 4
	b, _ := json.Marshal(sc)
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("rewrite checkpoint: %v", err)
	}
	ok, err := VerifyCheckpoint(path, pub, headIs(4, "ff"))
	if err != nil {
		t.Fatalf("verify checkpoint: %v", err)
	}
	if ok {
		t.Fatalf("expected forged checkpoint to fail verify")
	}
}

func TestLatestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	priv, _ := mustGenKeys(t, dir)

	latest, err := LatestCheckpoint(dir)
	if err != nil || latest != "" {
		t.Fatalf("expected no checkpoint, got %q err=%v", latest, err)
	}

	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	if _, err := WriteCheckpoint(dir, ChainState{LastChainIndex: 1, LastHeadHash: "a"}, priv, base); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	second, err := WriteCheckpoint(dir, ChainState{LastChainIndex: 2, LastHeadHash: "b"}, priv, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("write 2: %v", err)
	}
	latest, err = LatestCheckpoint(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != second {
		t.Fatalf("expected %s, got %s", second, latest)
	}
}

// writeChain hashes entries after start the way the logger does and returns
// the NDJSON bytes and the new head.
func writeChain(t *testing.T, start *ChainState, entries []model.AuditEntry) ([]byte, ChainState) {
	t.Helper()
	var out bytes.Buffer
	st := *start
	for _, e := range entries {
		e.Sequence = st.LastChainIndex + 1
		e.HashPrev = st.LastHeadHash
		h, err := hashEntry(e.HashPrev, e)
		if err != nil {
			t.Fatalf("hash entry: %v", err)
		}
		e.Hash = h
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out.Write(append(b, '\n'))
		st = ChainState{LastChainIndex: e.Sequence, LastHeadHash: h}
	}
	return out.Bytes(), st
}

func sampleEntries(n int) []model.AuditEntry {
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	out := make([]model.AuditEntry, n)
	for i := range out {
		out[i] = model.AuditEntry{
			CorrelationID: "corr-1",
			AgentID:       "agent-1",
			DatabaseName:  "crm",
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			Stage:         model.StageValidation,
			Outcome:       model.OutcomeDenied,
			Detail:        map[string]any{"position": i},
		}
	}
	return out
}

func headIs(index int, hash string) func(int) (string, bool) {
	return func(i int) (string, bool) {
		if i != index {
			return "", false
		}
		return hash, true
	}
}

func mustGenKeys(t *testing.T, dir string) (privPath, pubPath string) {
	t.Helper()
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	// Private key in PKCS#8
	pkcs8, err := x509.MarshalPKCS8PrivateKey(sk)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	privPath = filepath.Join(dir, "private.pem")
	if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), 0600); err != nil {
		t.Fatalf("write priv: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&sk.PublicKey)
	if err != nil {
		t.Fatalf("marshal pkix: %v", err)
	}
	pubPath = filepath.Join(dir, "public.pem")
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0644); err != nil {
		t.Fatalf("write pub: %v", err)
	}
	return
}
