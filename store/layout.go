package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mfairley/certflow/internal/util"
)

// File names inside one certificate's directory.
const (
	certFileName  = "cert.crt"
	keyFileName   = "key.key"
	csrFileName   = "cert.csr"
	chainFileName = "chain.pem"
	pemFileName   = "cert.pem"
	p12FileName   = "cert.p12"
	backupsDir    = "backups"
	archiveDir    = ".archive"
)

// certDirName builds the directory name for a certificate: sanitized human
// name plus a short fingerprint so renames never collide.
func certDirName(name, fingerprint string) string {
	short := fingerprint
	if len(short) > 8 {
		short = short[:8]
	}
	return util.SanitizeName(name) + "-" + short
}

// certDir is the absolute directory of one certificate.
func (s *Store) certDir(name, fingerprint string) string {
	return filepath.Join(s.root, certDirName(name, fingerprint))
}

// writeMaterial lays the issued artifacts out in dir and returns their
// recorded paths. The combined PEM holds certificate followed by chain.
func writeMaterial(dir string, certPEM, keyPEM, csrPEM, chainPEM, p12 []byte) (Paths, error) {
	if err := os.MkdirAll(filepath.Join(dir, backupsDir), 0o700); err != nil {
		return Paths{}, fmt.Errorf("creating certificate directory: %w", err)
	}

	paths := Paths{
		Crt: filepath.Join(dir, certFileName),
		Key: filepath.Join(dir, keyFileName),
	}
	if err := util.WriteFileAtomic(paths.Crt, certPEM, 0o644); err != nil {
		return Paths{}, err
	}
	if err := util.WriteFileAtomic(paths.Key, keyPEM, 0o600); err != nil {
		return Paths{}, err
	}
	if len(csrPEM) > 0 {
		paths.CSR = filepath.Join(dir, csrFileName)
		if err := util.WriteFileAtomic(paths.CSR, csrPEM, 0o644); err != nil {
			return Paths{}, err
		}
	}
	if len(chainPEM) > 0 {
		paths.Chain = filepath.Join(dir, chainFileName)
		if err := util.WriteFileAtomic(paths.Chain, chainPEM, 0o644); err != nil {
			return Paths{}, err
		}
	}
	combined := append(append([]byte(nil), certPEM...), chainPEM...)
	paths.PEM = filepath.Join(dir, pemFileName)
	if err := util.WriteFileAtomic(paths.PEM, combined, 0o644); err != nil {
		return Paths{}, err
	}
	if len(p12) > 0 {
		paths.P12 = filepath.Join(dir, p12FileName)
		if err := util.WriteFileAtomic(paths.P12, p12, 0o600); err != nil {
			return Paths{}, err
		}
	}
	return paths, nil
}

// archiveCertDir moves a superseded or deleted certificate's directory into
// the store's archive area and returns the archived paths.
func (s *Store) archiveCertDir(cert *Certificate, at time.Time) (Paths, error) {
	src := filepath.Dir(cert.Paths.Crt)
	dstName := fmt.Sprintf("%s-%d", filepath.Base(src), at.Unix())
	dst := filepath.Join(s.root, archiveDir, dstName)

	if err := os.MkdirAll(filepath.Join(s.root, archiveDir), 0o700); err != nil {
		return Paths{}, fmt.Errorf("creating archive directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return Paths{}, fmt.Errorf("archiving %s: %w", src, err)
	}

	rebase := func(p string) string {
		if p == "" {
			return ""
		}
		return filepath.Join(dst, filepath.Base(p))
	}
	return Paths{
		Crt:   rebase(cert.Paths.Crt),
		Key:   rebase(cert.Paths.Key),
		CSR:   rebase(cert.Paths.CSR),
		PEM:   rebase(cert.Paths.PEM),
		P12:   rebase(cert.Paths.P12),
		Chain: rebase(cert.Paths.Chain),
	}, nil
}

// backupMaterial copies the current cert and key into the certificate's
// backups directory, stamped by time.
func backupMaterial(cert *Certificate, at time.Time) error {
	dir := filepath.Join(filepath.Dir(cert.Paths.Crt), backupsDir, at.UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	if err := util.CopyFile(cert.Paths.Crt, filepath.Join(dir, certFileName), 0o644); err != nil {
		return err
	}
	if err := util.CopyFile(cert.Paths.Key, filepath.Join(dir, keyFileName), 0o600); err != nil {
		return err
	}
	return nil
}

// PruneBackups removes archived directories and per-certificate backups
// older than the retention window. It returns the number of directories
// removed.
func (s *Store) PruneBackups(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	removed := 0

	prune := func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	}

	if err := prune(filepath.Join(s.root, archiveDir)); err != nil {
		return removed, fmt.Errorf("pruning archive: %w", err)
	}

	s.mu.Lock()
	var backupDirs []string
	for _, cert := range s.certs {
		backupDirs = append(backupDirs, filepath.Join(filepath.Dir(cert.Paths.Crt), backupsDir))
	}
	s.mu.Unlock()

	for _, dir := range backupDirs {
		if err := prune(dir); err != nil {
			return removed, fmt.Errorf("pruning backups: %w", err)
		}
	}
	return removed, nil
}
