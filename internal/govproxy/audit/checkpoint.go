package audit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// WriteCheckpoint signs the chain head and writes it to dir; returns the
// path written.
func WriteCheckpoint(dir string, state ChainState, privateKeyPath string, now time.Time) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("checkpoint dir required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	cp := Checkpoint{ChainIndex: state.LastChainIndex, HeadHash: state.LastHeadHash, CreatedAt: now.UTC()}
	canon, err := canonicalizeCheckpoint(cp)
	if err != nil {
		return "", err
	}
	sig, err := signMessageECDSA(privateKeyPath, []byte(canon))
	if err != nil {
		return "", err
	}

	sc := SignedCheckpoint{Checkpoint: cp, Signature: base64.StdEncoding.EncodeToString(sig)}
	b, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	name := fmt.Sprintf("checkpoint-%s-%08d.json", cp.CreatedAt.Format("20060102-150405"), cp.ChainIndex)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return path, nil
}

// ReadCheckpoint loads a signed checkpoint without verifying it.
func ReadCheckpoint(path string) (*SignedCheckpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var sc SignedCheckpoint
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &sc, nil
}

// LatestCheckpoint returns the newest checkpoint file in dir, or "" when
// there is none.
func LatestCheckpoint(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint-*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// VerifyCheckpoint checks the signature of a checkpoint file and that the
// chain has the expected hash at the checkpointed index. headAt returns the
// hash stored at a chain index.
func VerifyCheckpoint(path, publicKeyPath string, headAt func(index int) (string, bool)) (bool, error) {
	sc, err := ReadCheckpoint(path)
	if err != nil {
		return false, err
	}
	if got, ok := headAt(sc.Checkpoint.ChainIndex); !ok || got != sc.Checkpoint.HeadHash {
		return false, nil
	}
	canon, err := canonicalizeCheckpoint(sc.Checkpoint)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sc.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return verifyMessageECDSA(publicKeyPath, []byte(canon), sig)
}

func canonicalizeCheckpoint(cp Checkpoint) (string, error) {
	// encoding/json sorts map keys
	m := map[string]any{
		"chain_index": cp.ChainIndex,
		"head_hash":   cp.HeadHash,
		"created_at":  cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GenerateKeyPair writes a new P-256 key pair as PEM files.
func GenerateKeyPair(privateKeyPath, publicKeyPath string) error {
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalECPrivateKey(pk)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&pk.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER}), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicKeyPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func signMessageECDSA(privateKeyPath string, msg []byte) ([]byte, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM for private key")
	}
	var pk *ecdsa.PrivateKey
	if block.Type == "EC PRIVATE KEY" {
		pk, err = x509.ParseECPrivateKey(block.Bytes)
	} else {
		var key any
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			pk, ok = key.(*ecdsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("not an ECDSA private key")
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if pk.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve: want P-256")
	}
	sum := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, pk, sum[:])
}

func verifyMessageECDSA(publicKeyPath string, msg []byte, sig []byte) (bool, error) {
	keyBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return false, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return false, fmt.Errorf("invalid PEM for public key")
	}
	if block.Type != "PUBLIC KEY" && block.Type != "EC PUBLIC KEY" {
		return false, fmt.Errorf("unsupported public key type: %s", block.Type)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("not an ECDSA public key")
	}
	if pub.Curve != elliptic.P256() {
		return false, fmt.Errorf("unsupported curve: want P-256")
	}
	sum := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, sum[:], sig), nil
}
