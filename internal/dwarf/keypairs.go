package dwarf

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/ssh"
)

const keypairBits = 2048

// KeypairService manages SSH keypairs.
type KeypairService struct {
	db     Database
	logger Logger
}

func NewKeypairService(db Database, logger Logger) *KeypairService {
	return &KeypairService{db: db, logger: logger.With("component", "keypairs")}
}

func (s *KeypairService) List(ctx context.Context) ([]Record, error) {
	return s.db.Keypairs().List(ctx)
}

func (s *KeypairService) Show(ctx context.Context, name string) (Record, error) {
	return s.db.Keypairs().Show(ctx, ByName(name))
}

// Create imports publicKey, or generates a new RSA keypair when publicKey is
// empty. A generated private key is returned in the "private_key" column of
// the result and is not stored.
func (s *KeypairService) Create(ctx context.Context, name, publicKey string) (Record, error) {
	s.logger.Info("create keypair", "name", name, "import", publicKey != "")

	if name == "" {
		return nil, Failure(http.StatusBadRequest, "keypair name is required")
	}

	var privateKey string
	if publicKey == "" {
		priv, pub, err := generateKeypair()
		if err != nil {
			return nil, err
		}
		privateKey, publicKey = priv, pub
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, Failure(http.StatusBadRequest, "keypair data is invalid: %v", err)
	}

	row, err := s.db.Keypairs().Create(ctx, Record{
		"name":        name,
		"fingerprint": ssh.FingerprintLegacyMD5(pub),
		"public_key":  strings.TrimSpace(publicKey),
	})
	if err != nil {
		return nil, err
	}
	if privateKey != "" {
		row["private_key"] = privateKey
	}
	return row, nil
}

func (s *KeypairService) Delete(ctx context.Context, name string) error {
	s.logger.Info("delete keypair", "name", name)
	return s.db.Keypairs().Delete(ctx, ByName(name))
}

// generateKeypair returns a PKCS#8 PEM private key and its OpenSSH
// authorized_keys form.
func generateKeypair() (privatePEM, publicKey string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, keypairBits)
	if err != nil {
		return "", "", fmt.Errorf("generating RSA key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("encoding private key: %w", err)
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	sshPub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("creating SSH public key: %w", err)
	}
	publicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	return privatePEM, publicKey, nil
}
