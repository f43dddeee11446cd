// Package trust assembles the x509 certificate pool an Upstream
// Connector validates upstream TLS against: system roots plus any
// operator-supplied additional CAs, memoized once per handler instance
// invariant.
package trust

import (
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

// Source is one trustAdditionalCAs entry: either an inline PEM string or
// a path to read one from
type Source struct {
	Cert     string
	CertPath string
}

// Bundle lazily materializes a certificate pool from system roots plus
// additional sources, computing it at most once (a single-assignment
// cell standing in for a shared mutable field in a naive implementation).
type Bundle struct {
	sources []Source

	once sync.Once
	pool *x509.CertPool
	pems []string
	err  error
}

// NewBundle returns a Bundle that will append sources to the system root
// pool on first use.
func NewBundle(sources []Source) *Bundle {
	return &Bundle{sources: sources}
}

// Pool returns the memoized certificate pool, reading any certPath
// sources from disk on the first call only.
func (b *Bundle) Pool() (*x509.CertPool, error) {
	b.once.Do(b.materialize)
	return b.pool, b.err
}

// PEMs returns the raw PEM text of every additional CA that was
// materialized, one string per source: the materialized trust list
// contains exactly one corresponding PEM string per entry.
func (b *Bundle) PEMs() ([]string, error) {
	b.once.Do(b.materialize)
	return b.pems, b.err
}

func (b *Bundle) materialize() {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	pems := make([]string, 0, len(b.sources))
	for _, src := range b.sources {
		pem := src.Cert
		if src.CertPath != "" {
			data, readErr := os.ReadFile(src.CertPath)
			if readErr != nil {
				b.err = fmt.Errorf("trust: reading certPath %q: %w", src.CertPath, readErr)
				return
			}
			pem = string(data)
		}
		if !pool.AppendCertsFromPEM([]byte(pem)) {
			b.err = fmt.Errorf("trust: failed to parse additional CA certificate")
			return
		}
		pems = append(pems, pem)
	}

	b.pool = pool
	b.pems = pems
}
