package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	signingKeyFile  = "signing.key"
	signingPubFile  = "signing.pub"
	exchangeKeyFile = "exchange.key"
	exchangePubFile = "exchange.pub"
)

// KeyBundle is a caller or server's long-lived cryptographic identity: an
// Ed25519 signing keypair used to authenticate handshakes, and an X25519
// exchange keypair used for per-session ECDH.
type KeyBundle struct {
	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey
	ExchangePub *ecdh.PublicKey
	ExchangePriv *ecdh.PrivateKey
}

// PublicKeyBundle is the exported public half of a KeyBundle — what gets
// handed to a peer and stored in their peers directory.
type PublicKeyBundle struct {
	SigningPub  ed25519.PublicKey
	ExchangePub *ecdh.PublicKey
}

// Public returns the exported public halves of k.
func (k *KeyBundle) Public() PublicKeyBundle {
	return PublicKeyBundle{SigningPub: k.SigningPub, ExchangePub: k.ExchangePub}
}

// GenerateKeyBundle creates a fresh Ed25519 + X25519 identity.
func GenerateKeyBundle() (*KeyBundle, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	exchPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate exchange key: %w", err)
	}
	return &KeyBundle{
		SigningPub:   signPub,
		SigningPriv:  signPriv,
		ExchangePub:  exchPriv.PublicKey(),
		ExchangePriv: exchPriv,
	}, nil
}

// Fingerprint returns the deterministic short identity hash of pub: hex of a
// BLAKE2b-256 digest over the concatenated public keys. It is stable for a
// given (signingPub, exchangePub) pair and changes iff either public key
// changes.
func Fingerprint(pub PublicKeyBundle) string {
	h, _ := blake2b.New256(nil)
	h.Write(pub.SigningPub)
	h.Write(pub.ExchangePub.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// Save persists bundle into dir as signing.key/signing.pub/exchange.key/
// exchange.pub, creating dir with mode 0700 and every file with mode 0600.
func Save(dir string, bundle *KeyBundle) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	writes := []struct {
		name string
		data []byte
	}{
		{signingKeyFile, bundle.SigningPriv},
		{signingPubFile, []byte(bundle.SigningPub)},
		{exchangeKeyFile, bundle.ExchangePriv.Bytes()},
		{exchangePubFile, bundle.ExchangePub.Bytes()},
	}
	for _, w := range writes {
		if err := os.WriteFile(filepath.Join(dir, w.name), []byte(base64.StdEncoding.EncodeToString(w.data)), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	return nil
}

// Load reads a KeyBundle previously written by Save from dir.
func Load(dir string) (*KeyBundle, error) {
	signPrivRaw, err := readKeyFile(dir, signingKeyFile)
	if err != nil {
		return nil, err
	}
	exchPrivRaw, err := readKeyFile(dir, exchangeKeyFile)
	if err != nil {
		return nil, err
	}

	signPriv := ed25519.PrivateKey(signPrivRaw)
	exchPriv, err := ecdh.X25519().NewPrivateKey(exchPrivRaw)
	if err != nil {
		return nil, fmt.Errorf("parse exchange key: %w", err)
	}

	return &KeyBundle{
		SigningPub:   signPriv.Public().(ed25519.PublicKey),
		SigningPriv:  signPriv,
		ExchangePub:  exchPriv.PublicKey(),
		ExchangePriv: exchPriv,
	}, nil
}

// SavePublic persists pub's public halves into dir as a named peer file
// (<name>.pub), for distribution to a counterparty's peers directory.
func SavePublic(dir, name string, pub PublicKeyBundle) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create peers dir: %w", err)
	}
	contents := base64.StdEncoding.EncodeToString(pub.SigningPub) + "\n" +
		base64.StdEncoding.EncodeToString(pub.ExchangePub.Bytes()) + "\n"
	path := filepath.Join(dir, name+".pub")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return fmt.Errorf("write peer %s: %w", name, err)
	}
	return nil
}

// LoadPeers scans dir for *.pub files and returns every peer's public bundle
// keyed by its fingerprint. Malformed files are skipped with their error
// returned in the errs slice rather than aborting the whole scan.
func LoadPeers(dir string) (map[string]PublicKeyBundle, []error) {
	peers := make(map[string]PublicKeyBundle)
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		return peers, []error{fmt.Errorf("read peers dir: %w", err)}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		pub, err := parsePeerFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		peers[Fingerprint(pub)] = pub
	}
	return peers, errs
}

func parsePeerFile(path string) (PublicKeyBundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PublicKeyBundle{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		return PublicKeyBundle{}, fmt.Errorf("expected 2 lines, got %d", len(lines))
	}
	signPub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[0]))
	if err != nil {
		return PublicKeyBundle{}, fmt.Errorf("decode signing pub: %w", err)
	}
	exchPubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return PublicKeyBundle{}, fmt.Errorf("decode exchange pub: %w", err)
	}
	exchPub, err := ecdh.X25519().NewPublicKey(exchPubRaw)
	if err != nil {
		return PublicKeyBundle{}, fmt.Errorf("parse exchange pub: %w", err)
	}
	return PublicKeyBundle{SigningPub: ed25519.PublicKey(signPub), ExchangePub: exchPub}, nil
}

func readKeyFile(dir, name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return decoded, nil
}
