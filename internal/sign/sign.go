// Package sign produces and checks signed Data packets.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

// DefaultKeystore is the keystore path relative to the home directory.
const DefaultKeystore = ".ccnx/.ccnx_keystore"

// KeystoreEnv overrides the keystore location.
const KeystoreEnv = "CCN_KEYSTORE"

// Params control per-packet signed info.
type Params struct {
	Freshness time.Duration
	// Final marks the packet as the last block of its stream.
	Final bool
}

// Signer turns a named payload into encoded, signed Data bytes.
type Signer interface {
	Sign(n name.Name, payload []byte, p Params) ([]byte, error)
}

// Verifier checks the signature of a decoded Data packet.
type Verifier interface {
	Verify(d *wire.Data) error
}

// Ed25519 signs with an Ed25519 key. Its publisher id is the BLAKE3-256
// digest of the public key.
type Ed25519 struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	digest []byte
}

// NewEd25519 wraps a private key.
func NewEd25519(priv ed25519.PrivateKey) (*Ed25519, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrKey, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519{priv: priv, pub: pub, digest: KeyDigest(pub)}, nil
}

// GenerateKey returns a signer with a fresh random key.
func GenerateKey() (*Ed25519, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}
	return NewEd25519(priv)
}

// KeyDigest returns the publisher id for pub.
func KeyDigest(pub ed25519.PublicKey) []byte {
	sum := blake3.Sum256(pub)
	return sum[:]
}

// PublicKey returns the verification key.
func (s *Ed25519) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Sign builds a Data packet for n and payload and returns its encoding.
func (s *Ed25519) Sign(n name.Name, payload []byte, p Params) ([]byte, error) {
	if len(n) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrSigning, name.ErrEmptyPrefix)
	}
	d := &wire.Data{
		Name:      n,
		Freshness: p.Freshness,
		Content:   payload,
		KeyDigest: s.digest,
	}
	if p.Final {
		d.FinalBlockID = n[len(n)-1]
	}
	d.Signature = ed25519.Sign(s.priv, d.SignedPortion())
	return d.Marshal(), nil
}

// Verify checks d against the signer's own public key.
func (s *Ed25519) Verify(d *wire.Data) error {
	return NewKeyVerifier(s.pub).Verify(d)
}

// KeyVerifier checks packets against a single trusted key.
type KeyVerifier struct {
	pub    ed25519.PublicKey
	digest []byte
}

// NewKeyVerifier returns a verifier trusting pub.
func NewKeyVerifier(pub ed25519.PublicKey) *KeyVerifier {
	return &KeyVerifier{pub: pub, digest: KeyDigest(pub)}
}

func (v *KeyVerifier) Verify(d *wire.Data) error {
	if subtle.ConstantTimeCompare(d.KeyDigest, v.digest) != 1 {
		return fmt.Errorf("%w: unknown publisher %x", ErrVerify, short(d.KeyDigest))
	}
	if len(d.Signature) != ed25519.SignatureSize || !ed25519.Verify(v.pub, d.SignedPortion(), d.Signature) {
		return fmt.Errorf("%w: bad signature on %s", ErrVerify, d.Name)
	}
	return nil
}

// LoadKey reads a hex-encoded Ed25519 seed from path.
func LoadKey(path string) (*Ed25519, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrKey, path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed in %s is %d bytes", ErrKey, path, len(seed))
	}
	return NewEd25519(ed25519.NewKeyFromSeed(seed))
}

// SaveKey writes the signer's seed to path with owner-only permissions.
func SaveKey(path string, s *Ed25519) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating keystore dir: %w", err)
	}
	seed := hex.EncodeToString(s.priv.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0600); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	return nil
}

// ResolveKeystore returns the keystore path to use: explicit, then the
// CCN_KEYSTORE environment variable, then the default under the home dir.
func ResolveKeystore(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(KeystoreEnv); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultKeystore)
}

// LoadOrGenerate loads the key at path. A missing file yields a fresh
// ephemeral key and generated=true; any other failure is returned.
func LoadOrGenerate(path string) (s *Ed25519, generated bool, err error) {
	if path != "" {
		s, err = LoadKey(path)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, false, err
		}
	}
	s, err = GenerateKey()
	return s, true, err
}

func short(b []byte) []byte {
	if len(b) > 8 {
		return b[:8]
	}
	return b
}
