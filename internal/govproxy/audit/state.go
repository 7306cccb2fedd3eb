package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadState loads chain state from file. A missing file or empty path
// yields the genesis state.
func LoadState(path string) (*ChainState, error) {
	if path == "" {
		return genesis(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesis(), nil
		}
		return nil, fmt.Errorf("open state: %w", err)
	}
	defer f.Close()

	var st ChainState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.LastHeadHash == "" {
		st.LastHeadHash = zeroHash()
	}
	return &st, nil
}

// SaveState writes state atomically using a temp file + rename.
// An empty path disables persistence.
func SaveState(path string, state *ChainState) error {
	if path == "" {
		return nil
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(state); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state: %w", err)
	}
	return os.Rename(tmp, path)
}

func genesis() *ChainState {
	return &ChainState{LastChainIndex: 0, LastHeadHash: zeroHash()}
}

// zeroHash is the genesis hash: 64 zeros, the length of a hex SHA-256.
func zeroHash() string {
	return strings.Repeat("0", 64)
}
