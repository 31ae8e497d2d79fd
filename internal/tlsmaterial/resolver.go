// Package tlsmaterial resolves PEM/key strings carried on the wire into
// on-disk paths a tls.Config can load, validating that they parse and
// match before any listener is allowed to depend on them.
package tlsmaterial

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
)

// Kind names the category a piece of material belongs to, used only to
// namespace the on-disk layout.
type Kind string

const (
	KindProxy   Kind = "proxy"
	KindGateway Kind = "gateway"
)

// Resolver materializes PEM/key strings into a stable, process-local
// directory keyed by identity, so identical material yields identical
// paths across restarts.
type Resolver struct {
	dir    string
	logger hclog.Logger
}

// New returns a Resolver rooted at dir. dir is created with 0700
// permissions if missing.
func New(dir string, logger hclog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tlsmaterial: create material dir: %w", err)
	}
	return &Resolver{dir: dir, logger: logger.Named("tlsmaterial")}, nil
}

// Resolve validates that pemPEM/keyPEM form a matching certificate/key
// pair, then writes them to <dir>/<kind>/<identity>.{crt,key} and returns
// those paths. On validation failure it returns an error the caller is
// expected to treat as "skip this node, keep the rest"; no partial write
// is left behind for an invalid pair.
func (r *Resolver) Resolve(kind Kind, identity, pemPEM, keyPEM string) (pemPath, keyPath string, err error) {
	if pemPEM == "" || keyPEM == "" {
		return "", "", fmt.Errorf("tlsmaterial: %s/%s: empty PEM or key material", kind, identity)
	}
	if _, err := tls.X509KeyPair([]byte(pemPEM), []byte(keyPEM)); err != nil {
		return "", "", fmt.Errorf("tlsmaterial: %s/%s: certificate/key do not parse or match: %w", kind, identity, err)
	}

	subdir := filepath.Join(r.dir, string(kind))
	if err := os.MkdirAll(subdir, 0o700); err != nil {
		return "", "", fmt.Errorf("tlsmaterial: create %s dir: %w", kind, err)
	}

	pemPath = filepath.Join(subdir, safeName(identity)+".crt")
	keyPath = filepath.Join(subdir, safeName(identity)+".key")

	if err := os.WriteFile(pemPath, []byte(pemPEM), 0o600); err != nil {
		return "", "", fmt.Errorf("tlsmaterial: write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(keyPEM), 0o600); err != nil {
		return "", "", fmt.Errorf("tlsmaterial: write key: %w", err)
	}

	r.logger.Debug("resolved TLS material", "kind", kind, "identity", identity)
	return pemPath, keyPath, nil
}

// safeName strips path separators from identity so it can never escape
// the material directory (identity is usually an addr_listen or SNI
// value, both of which may contain ':' or '*').
func safeName(identity string) string {
	out := make([]rune, 0, len(identity))
	for _, c := range identity {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
