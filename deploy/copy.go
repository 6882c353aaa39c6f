package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func init() {
	RegisterAction(TypeCopy, newCopyAction)
}

// copyConfig configures a local copy target. Destinations receive
// <name>.crt, <name>.key and <name>.chain.pem.
type copyConfig struct {
	Destinations []string `json:"destinations"`
}

type copyAction struct {
	cfg       copyConfig
	storeRoot string
}

func newCopyAction(cfg json.RawMessage, deps *Deps) (Executor, error) {
	var c copyConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	if len(c.Destinations) == 0 {
		return nil, fmt.Errorf("copy config: at least one destination required")
	}
	return &copyAction{cfg: c, storeRoot: deps.StoreRoot}, nil
}

func (a *copyAction) Execute(_ context.Context, m Material) error {
	for _, dest := range a.cfg.Destinations {
		if a.storeRoot != "" && insideDir(dest, a.storeRoot) {
			return Permanent(fmt.Errorf("destination %s is inside the certificate store", dest))
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dest, err)
		}
		files := map[string][]byte{
			m.Name + ".crt":       m.CertPEM,
			m.Name + ".key":       m.KeyPEM,
			m.Name + ".chain.pem": m.ChainPEM,
		}
		for name, data := range files {
			if len(data) == 0 {
				continue
			}
			target := filepath.Join(dest, name)
			if err := os.WriteFile(target, data, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", target, err)
			}
			// Success criterion: the destination holds matching bytes.
			got, err := os.ReadFile(target)
			if err != nil {
				return fmt.Errorf("verifying %s: %w", target, err)
			}
			if !bytes.Equal(got, data) {
				return fmt.Errorf("verifying %s: content mismatch after copy", target)
			}
		}
	}
	return nil
}

func insideDir(path, dir string) bool {
	ap, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	ad, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(ad, ap)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
