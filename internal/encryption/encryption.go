// Package encryption protects database backups at rest.
package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Encryptor encrypts with a public key that needs no user input. Reading
// the data back requires unlocking the private key with a passphrase.
type Encryptor interface {
	// Setup generates the key pair and protects the private key with
	// passphrase.
	Setup(passphrase string) error

	Encrypt(r io.Reader, w io.Writer) error

	// Unlock returns a DecryptionContext, or an error when the passphrase
	// is wrong.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// ageMagic starts every age file.
var ageMagic = []byte("age-encryption.org/")

// IsEncrypted reports whether the file at path is an age file.
func IsEncrypted(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	head, err := bufio.NewReader(f).Peek(len(ageMagic))
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	return bytes.HasPrefix(head, ageMagic) || bytes.HasPrefix(head, testHeader), nil
}

// EncryptFile writes the encrypted contents of src to dst. dst only
// appears once it is complete.
func EncryptFile(enc Encryptor, src, dst string) error {
	return transformFile(src, dst, enc.Encrypt)
}

// DecryptFile writes the decrypted contents of src to dst.
func DecryptFile(dc DecryptionContext, src, dst string) error {
	return transformFile(src, dst, dc.Decrypt)
}

func transformFile(src, dst string, fn func(io.Reader, io.Writer) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := fn(in, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}
