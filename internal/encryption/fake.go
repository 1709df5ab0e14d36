package encryption

import (
	"bytes"
	"fmt"
	"io"
)

// testHeader marks output of FakeEncryptor.
var testHeader = []byte("DWARFTST")

// FakeEncryptor prepends a fixed header instead of encrypting, so tests can
// exercise backup and restore without scrypt's cost.
type FakeEncryptor struct{}

var _ Encryptor = FakeEncryptor{}

func (FakeEncryptor) Setup(string) error { return nil }
func (FakeEncryptor) IsConfigured() bool { return true }

func (FakeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (FakeEncryptor) Unlock(string) (DecryptionContext, error) {
	return fakeDecryptionContext{}, nil
}

type fakeDecryptionContext struct{}

func (fakeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
