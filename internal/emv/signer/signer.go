// Package signer computes the relay signature appended as tag 9F45 over
// modified TLV payloads.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/drossi/relayproxy/internal/emv"
	"github.com/drossi/relayproxy/internal/emv/tlv"
)

const maxSignatureLen = 256

var (
	// ErrKeyMissing marks the unsigned sentinel: the pipeline proceeds
	// without a 9F45 node.
	ErrKeyMissing = errors.New("signer: no private key loaded")
	// ErrKeyUnreadable is fatal at startup and rejects key-path patches.
	ErrKeyUnreadable = errors.New("signer: private key unreadable")
	// ErrSignatureOverlength drops the request carrying it.
	ErrSignatureOverlength = errors.New("signer: signature exceeds 256 bytes")
)

// Signer holds the loaded key for process lifetime. The pointer swaps
// only through Reload, driven by serialized policy updates.
type Signer struct {
	key        atomic.Pointer[rsa.PrivateKey]
	warnedOnce atomic.Bool
}

// Load builds a Signer from the configured key path. An empty path or an
// absent file yields the unsigned sentinel; a present but unparseable key
// is an error.
func Load(path string) (*Signer, error) {
	s := &Signer{}
	if path == "" {
		return s, nil
	}
	key, err := readKey(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("private key absent, responses will be unsigned")
			return s, nil
		}
		return nil, err
	}
	s.key.Store(key)
	log.Info().Str("path", path).Int("bits", key.N.BitLen()).Msg("private key loaded")
	return s, nil
}

// Reload swaps in the key at path, rejecting unreadable material so the
// caller can keep the previous key.
func (s *Signer) Reload(path string) error {
	if path == "" {
		s.key.Store(nil)
		return nil
	}
	key, err := readKey(path)
	if err != nil {
		return err
	}
	s.key.Store(key)
	return nil
}

// Enabled reports whether a key is loaded.
func (s *Signer) Enabled() bool {
	return s.key.Load() != nil
}

// Sign returns the 9F45 node holding an RSA-SHA256 PKCS#1 v1.5 signature
// over data. ErrKeyMissing is the non-fatal unsigned sentinel.
func (s *Signer) Sign(data []byte) (tlv.Node, error) {
	key := s.key.Load()
	if key == nil {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn().Msg("signing skipped: no private key")
		}
		return tlv.Node{}, ErrKeyMissing
	}

	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return tlv.Node{}, fmt.Errorf("signer: sign failed: %w", err)
	}
	if len(sig) > maxSignatureLen {
		return tlv.Node{}, ErrSignatureOverlength
	}
	return tlv.NewNode(emv.TagSignature, sig), nil
}

func readKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnreadable, path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s: no PEM block", ErrKeyUnreadable, path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnreadable, path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not an RSA key", ErrKeyUnreadable, path)
	}
	return key, nil
}
