// Package relay implements the Intermediate server: it terminates tunnel
// connections from Agents and Connectors, arbitrates service ownership,
// forwards application datagrams, pairs hole-punch signaling sessions, and
// reports each client its observed address.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"

	"github.com/quicgate/quicgate/internal/cid"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/metrics"
	"github.com/quicgate/quicgate/internal/recovery"
	"github.com/quicgate/quicgate/internal/registry"
	"github.com/quicgate/quicgate/internal/token"
	"github.com/quicgate/quicgate/internal/transport"
)

const signalSweepInterval = time.Second

// Config describes a relay instance.
type Config struct {
	// ListenAddr is the UDP address to bind, e.g. "0.0.0.0:4433".
	ListenAddr string

	// CertFile/KeyFile hold the server certificate, reloaded on SIGHUP and
	// on file change. ClientCAFile holds the CA that signs client certs.
	CertFile     string
	KeyFile      string
	ClientCAFile string

	// TLSConfig bypasses file loading entirely. Tests only.
	TLSConfig *tls.Config

	// TokenSecret seeds the retry-token key. Empty means a random
	// process-lifetime key.
	TokenSecret []byte

	// DisableRetry skips retry-token address validation. Tests only.
	DisableRetry bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Relay is a running Intermediate server.
type Relay struct {
	cfg Config
	log *slog.Logger

	registry *registry.Registry
	signals  *signalRelay
	minter   *token.Minter
	gen      *cid.Generator
	aliases  *cid.AliasTable
	metrics  *metrics.Metrics

	certSource *transport.CertSource
	server     *transport.Server

	mu    sync.Mutex
	conns map[string]*relayConn

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a relay. Start binds the socket and begins accepting.
func New(cfg Config) (*Relay, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	log = log.With(logging.KeyComponent, "relay")

	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	minter, err := token.NewMinter(cfg.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("initializing token minter: %w", err)
	}

	gen := cid.NewGenerator(cid.DefaultLen)
	reg := registry.New(log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:      cfg,
		log:      log,
		registry: reg,
		signals:  newSignalRelay(reg, log),
		minter:   minter,
		gen:      gen,
		aliases:  cid.NewAliasTable(gen),
		metrics:  m,
		conns:    make(map[string]*relayConn),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start binds the listener and spawns the accept, rotation, sweep and
// reload loops.
func (r *Relay) Start() error {
	tlsConf := r.cfg.TLSConfig
	if tlsConf == nil {
		source, err := transport.NewCertSource(r.cfg.CertFile, r.cfg.KeyFile, r.log)
		if err != nil {
			return fmt.Errorf("loading server certificate: %w", err)
		}
		tlsConf, err = source.ServerTLSConfig(r.cfg.ClientCAFile)
		if err != nil {
			return fmt.Errorf("building TLS config: %w", err)
		}
		r.certSource = source
	}

	server, err := transport.Listen(r.cfg.ListenAddr, transport.ListenOptions{
		TLSConfig:             tlsConf,
		TokenKey:              r.minter.TransportKey(),
		DisableRetry:          r.cfg.DisableRetry,
		ConnectionIDGenerator: r.gen,
	})
	if err != nil {
		return err
	}
	r.server = server
	r.log.Info("relay listening", logging.KeyAddress, server.Addr().String())

	r.spawn("relay.accept", r.acceptLoop)
	r.spawn("relay.rotate", r.rotationLoop)
	r.spawn("relay.sweep", r.sweepLoop)
	if r.certSource != nil {
		r.spawn("relay.watch", func() {
			if err := r.certSource.Watch(r.ctx); err != nil && r.ctx.Err() == nil {
				r.log.Warn("certificate watcher stopped", logging.KeyError, err)
			}
		})
		r.spawn("relay.sighup", r.sighupLoop)
	}
	return nil
}

func (r *Relay) spawn(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer recovery.RecoverWithLog(r.log, name)
		fn()
	}()
}

// Addr returns the bound address.
func (r *Relay) Addr() net.Addr {
	return r.server.Addr()
}

// Counts reports the live connection count and the registered connector and
// agent service counts.
func (r *Relay) Counts() (conns, connectors, agents int) {
	r.mu.Lock()
	conns = len(r.conns)
	r.mu.Unlock()
	connectors, agents = r.registry.Counts()
	return conns, connectors, agents
}

// Reload re-reads the configured certificate files and swaps them in
// without dropping live connections.
func (r *Relay) Reload() error {
	if r.certSource == nil {
		return nil
	}
	return r.certSource.Reload()
}

// Close stops accepting, closes every connection and releases the socket.
func (r *Relay) Close() error {
	var errs *multierror.Error
	r.closeOnce.Do(func() {
		r.cancel()

		r.mu.Lock()
		conns := make([]*relayConn, 0, len(r.conns))
		for _, rc := range r.conns {
			conns = append(conns, rc)
		}
		r.mu.Unlock()
		for _, rc := range conns {
			if err := rc.conn.CloseWithError(0, "relay shutting down"); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if r.server != nil {
			if err := r.server.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		r.wg.Wait()
	})
	return errs.ErrorOrNil()
}

func (r *Relay) acceptLoop() {
	for {
		conn, err := r.server.Listener.Accept(r.ctx)
		if err != nil {
			return
		}
		r.wg.Add(1)
		go func(conn quic.Connection) {
			defer r.wg.Done()
			defer recovery.RecoverWithLog(r.log, "relay.conn")
			r.serveConn(r.ctx, conn)
		}(conn)
	}
}

// rotationLoop rotates every live connection's datagram-layer alias on the
// fixed interval. The prior alias stays valid until acknowledged.
func (r *Relay) rotationLoop() {
	ticker := time.NewTicker(cid.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			ids := make([]string, 0, len(r.conns))
			for id := range r.conns {
				ids = append(ids, id)
			}
			r.mu.Unlock()

			for _, id := range ids {
				if _, err := r.aliases.Rotate(id); err != nil {
					r.log.Debug("alias rotation skipped",
						logging.KeyConnID, id, logging.KeyError, err)
					continue
				}
				r.metrics.CIDRotations.Inc()
			}
		}
	}
}

func (r *Relay) sweepLoop() {
	ticker := time.NewTicker(signalSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.signals.Sweep(now)
			r.metrics.SignalSessions.Set(float64(r.signals.Count()))
		}
	}
}

// sighupLoop reloads certificate material on SIGHUP without dropping
// existing connections.
func (r *Relay) sighupLoop() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ch:
			if err := r.Reload(); err != nil {
				r.log.Error("certificate reload failed", logging.KeyError, err)
				continue
			}
			r.log.Info("certificates reloaded")
		}
	}
}
