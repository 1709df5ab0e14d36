package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dwarf-go/internal/config"
	"dwarf-go/internal/encryption"
)

// Backup writes a consistent snapshot of the database to out. With encrypt
// set the snapshot is sealed with the configured public key.
func (a *DwarfApp) Backup(ctx context.Context, out string, encrypt bool) error {
	var enc encryption.Encryptor
	if encrypt {
		var err error
		if enc, err = encryption.NewEncryptorFromConfig(a.cfg.Encryption); err != nil {
			return err
		}
		if !enc.IsConfigured() {
			return fmt.Errorf("encryption keys not found, run 'dwarf db keys' first")
		}
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), ".dwarf-backup-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite.
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	if err := a.db.BackupTo(ctx, tmpPath); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}

	if enc != nil {
		if err := encryption.EncryptFile(enc, tmpPath, out); err != nil {
			return fmt.Errorf("encrypting backup: %w", err)
		}
	} else if err := os.Rename(tmpPath, out); err != nil {
		return fmt.Errorf("renaming backup: %w", err)
	}

	a.logger.Info("database backed up", "path", out, "encrypted", encrypt)
	return nil
}

// Restore replaces the configured database file with the backup at in.
// Encrypted backups are unlocked with passphrase, which is read lazily
// through the callback so plain backups never prompt.
func Restore(cfg *config.Config, in string, passphrase func() (string, error)) error {
	if cfg.Database.Type != "sqlite" {
		return fmt.Errorf("restore needs a sqlite database, have %q", cfg.Database.Type)
	}
	dst := cfg.Database.Path

	encrypted, err := encryption.IsEncrypted(in)
	if err != nil {
		return err
	}
	if !encrypted {
		return copyFile(in, dst)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	pass, err := passphrase()
	if err != nil {
		return fmt.Errorf("reading passphrase: %w", err)
	}
	dc, err := enc.Unlock(pass)
	if err != nil {
		return err
	}
	if err := encryption.DecryptFile(dc, in, dst); err != nil {
		return fmt.Errorf("decrypting backup: %w", err)
	}
	return nil
}

// KeysInit generates the backup key pair, protecting the private key with
// passphrase. Existing keys are never overwritten.
func KeysInit(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	if enc.IsConfigured() {
		return fmt.Errorf("encryption keys already exist at %s", cfg.Encryption.PublicKeyPath)
	}
	return enc.Setup(passphrase)
}

// copyFile copies src to dst through a temp file in dst's directory.
func copyFile(src, dst string) error {
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

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
