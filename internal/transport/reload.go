package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/recovery"
)

// CertSource serves the relay's certificate and reloads it from disk without
// interrupting live connections: new handshakes pick up the new certificate,
// established tunnels keep their session keys.
type CertSource struct {
	certFile string
	keyFile  string
	log      *slog.Logger

	cert atomic.Pointer[tls.Certificate]
}

// NewCertSource loads the initial certificate. Failure here is fatal; failure
// during a later reload keeps the previous certificate serving.
func NewCertSource(certFile, keyFile string, log *slog.Logger) (*CertSource, error) {
	if log == nil {
		log = logging.NopLogger()
	}
	s := &CertSource{certFile: certFile, keyFile: keyFile, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the certificate pair from disk and atomically swaps it in.
func (s *CertSource) Reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("reloading certificate: %w", err)
	}
	s.cert.Store(&cert)
	s.log.Info("certificate loaded", "cert_file", s.certFile)
	return nil
}

// GetCertificate plugs into tls.Config.GetCertificate.
func (s *CertSource) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := s.cert.Load()
	if cert == nil {
		return nil, fmt.Errorf("no certificate loaded")
	}
	return cert, nil
}

// ServerTLSConfig builds the relay's TLS config around this source so every
// new handshake sees the currently loaded certificate.
func (s *CertSource) ServerTLSConfig(clientCAFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		GetCertificate: s.GetCertificate,
		MinVersion:     tls.VersionTLS13,
		NextProtos:     []string{protocol.ALPNProtocol},
		ClientAuth:     tls.RequireAndVerifyClientCert,
	}
	if clientCAFile != "" {
		pool, err := LoadCAPool(clientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// Watch reloads the certificate whenever either file changes on disk, until
// ctx is done. Reload failures are logged and the prior certificate stays
// active. SIGHUP-triggered reloads go through Reload directly.
func (s *CertSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting certificate watcher: %w", err)
	}

	// Watch the parent directories: renames (the common atomic-replace
	// deployment pattern) drop watches on the files themselves.
	dirs := map[string]struct{}{
		filepath.Dir(s.certFile): {},
		filepath.Dir(s.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	go func() {
		defer recovery.RecoverWithLog(s.log, "cert-watcher")
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !s.relevant(ev) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.log.Error("certificate reload failed, keeping previous",
						logging.KeyError, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("certificate watcher error", logging.KeyError, err)
			}
		}
	}()

	return nil
}

func (s *CertSource) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return ev.Name == s.certFile || ev.Name == s.keyFile
}
