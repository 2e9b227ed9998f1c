package apt

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// ErrSigningUnavailable is returned by signers that cannot produce a real
// OpenPGP signature.
var ErrSigningUnavailable = errors.New("signing unavailable")

// Signer signs Release manifests.
type Signer interface {
	// ClearSign wraps doc in a cleartext-signed message (InRelease).
	ClearSign(doc []byte) ([]byte, error)
	// DetachSign returns an armored detached signature of doc (Release.gpg).
	DetachSign(doc []byte) ([]byte, error)
	// PublicKey returns the armored public key clients should trust.
	PublicKey() []byte
	// Cryptographic reports whether signatures are real OpenPGP signatures.
	Cryptographic() bool
}

// NullSigner produces the cleartext-signed framing without a signature:
// the signature block carries the configured public key text verbatim.
// apt will refuse such an InRelease unless the repository is marked trusted.
type NullSigner struct {
	publicKey []byte
}

// NewNullSigner creates a NullSigner embedding publicKey.
func NewNullSigner(publicKey []byte) *NullSigner {
	return &NullSigner{publicKey: publicKey}
}

// ClearSign wraps doc in a cleartext-signed envelope whose signature block
// carries the public key instead of a signature.
func (s *NullSigner) ClearSign(doc []byte) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("-----BEGIN PGP SIGNED MESSAGE-----\nHash: SHA512\n\n")
	b.Write(doc)
	b.WriteString("\n-----BEGIN PGP SIGNATURE-----\n\n")
	b.WriteString(strings.TrimSpace(string(s.publicKey)))
	b.WriteString("\n-----END PGP SIGNATURE-----")
	return b.Bytes(), nil
}

// DetachSign always returns ErrSigningUnavailable.
func (s *NullSigner) DetachSign([]byte) ([]byte, error) {
	return nil, ErrSigningUnavailable
}

// PublicKey returns the configured key bytes, possibly empty.
func (s *NullSigner) PublicKey() []byte { return s.publicKey }

// Cryptographic reports false.
func (s *NullSigner) Cryptographic() bool { return false }

// PGPSigner signs with an OpenPGP private key.
type PGPSigner struct {
	entity    *openpgp.Entity
	config    *packet.Config
	publicKey []byte
}

// NewPGPSigner creates a signer for an entity whose private key is decrypted.
func NewPGPSigner(entity *openpgp.Entity) (*PGPSigner, error) {
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("key %X has no private key", entity.PrimaryKey.Fingerprint)
	}
	if entity.PrivateKey.Encrypted {
		return nil, fmt.Errorf("key %X is still encrypted", entity.PrimaryKey.Fingerprint)
	}

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := entity.Serialize(w); err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	pub.WriteByte('\n')

	return &PGPSigner{
		entity:    entity,
		config:    &packet.Config{DefaultHash: crypto.SHA512},
		publicKey: pub.Bytes(),
	}, nil
}

// LoadPGPSigner reads the first entity of an armored private key file,
// decrypting it with passphrase when it is protected.
func LoadPGPSigner(path string, passphrase []byte) (*PGPSigner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signing key: %w", err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("no keys found in %s", path)
	}
	entity := keyring[0]

	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
				return nil, fmt.Errorf("failed to decrypt signing subkey: %w", err)
			}
		}
	}

	return NewPGPSigner(entity)
}

// ClearSign returns doc as an OpenPGP cleartext-signed message.
func (s *PGPSigner) ClearSign(doc []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := clearsign.Encode(&out, s.entity.PrivateKey, s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to start clearsign: %w", err)
	}
	if _, err := w.Write(doc); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to clearsign: %w", err)
	}
	return out.Bytes(), nil
}

// DetachSign returns an ASCII-armored detached signature over doc.
func (s *PGPSigner) DetachSign(doc []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&out, s.entity, bytes.NewReader(doc), s.config); err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// PublicKey returns the armored public key of the signing entity.
func (s *PGPSigner) PublicKey() []byte { return s.publicKey }

// Cryptographic reports true.
func (s *PGPSigner) Cryptographic() bool { return true }

// ReadPublicKey returns the contents of an optional public key file.
func ReadPublicKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return data, nil
}
