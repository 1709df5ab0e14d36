package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"dwarf-go/internal/config"
)

// AgeEncryptor encrypts backups to an X25519 recipient. The public key is
// kept in plaintext; the private key file is itself an age file sealed with
// the passphrase (scrypt).
type AgeEncryptor struct {
	publicKeyPath  string
	privateKeyPath string
}

var _ Encryptor = (*AgeEncryptor)(nil)

func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a fresh key pair, replacing any existing key files.
func (e *AgeEncryptor) Setup(passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	if err := os.WriteFile(e.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return e.sealPrivateKey(identity, passphrase)
}

func (e *AgeEncryptor) sealPrivateKey(identity *age.X25519Identity, passphrase string) error {
	sealer, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	f, err := os.OpenFile(e.privateKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer f.Close()

	w, err := age.Encrypt(f, sealer)
	if err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing private key: %w", err)
	}
	return nil
}

func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	pub, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(pub))
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients found in %s", e.publicKeyPath)
	}

	ew, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(ew, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

func (e *AgeEncryptor) Unlock(passphrase string) (DecryptionContext, error) {
	sealed, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	opener, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), opener)
	if err != nil {
		return nil, fmt.Errorf("unsealing private key: %w", err)
	}

	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return &ageDecryptionContext{identities: identities}, nil
}

func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

type ageDecryptionContext struct {
	identities []age.Identity
}

func (c *ageDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	dr, err := age.Decrypt(r, c.identities...)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, dr); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}
