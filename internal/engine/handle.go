package engine

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/recovery"
)

// Handle is an opaque reference to one engine, safe to hand across a
// foreign-language boundary. Zero is never a valid handle.
type Handle uint64

// ResultCode is the typed status every boundary call reports. Internal
// failures never unwind across the boundary; they surface as a code.
type ResultCode int32

const (
	ResultOK ResultCode = iota
	ResultInvalidHandle
	ResultNotEstablished
	ResultTooLarge
	ResultClosed
	ResultTransport
	ResultInternal
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultInvalidHandle:
		return "invalid_handle"
	case ResultNotEstablished:
		return "not_established"
	case ResultTooLarge:
		return "too_large"
	case ResultClosed:
		return "closed"
	case ResultTransport:
		return "transport_error"
	case ResultInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

func resultFromError(err error) ResultCode {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotEstablished):
		return ResultNotEstablished
	case errors.Is(err, ErrTooLarge), errors.Is(err, ErrPacketTooLarge),
		errors.Is(err, ErrShortBuffer):
		return ResultTooLarge
	case errors.Is(err, ErrEngineClosed), errors.Is(err, net.ErrClosed):
		return ResultClosed
	default:
		return ResultTransport
	}
}

// Table owns every live engine reachable from the boundary. Handles index
// into it; a handle that was never issued, or whose engine was destroyed,
// maps to ResultInvalidHandle rather than faulting.
type Table struct {
	log *slog.Logger

	mu      sync.Mutex
	next    Handle
	engines map[Handle]*Engine
}

func NewTable(log *slog.Logger) *Table {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Table{
		log:     log.With(logging.KeyComponent, "engine_table"),
		engines: make(map[Handle]*Engine),
	}
}

// guard runs fn, converting any panic into ResultInternal.
func (t *Table) guard(name string, fn func() ResultCode) (rc ResultCode) {
	defer recovery.RecoverWithCallback(t.log, name, func(interface{}) {
		rc = ResultInternal
	})
	return fn()
}

func (t *Table) lookup(h Handle) *Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engines[h]
}

// Open builds and starts an engine, returning its handle.
func (t *Table) Open(cfg Config) (Handle, ResultCode) {
	var h Handle
	rc := t.guard("open", func() ResultCode {
		e, err := New(cfg)
		if err != nil {
			return ResultTransport
		}
		if err := e.Start(); err != nil {
			return ResultTransport
		}

		t.mu.Lock()
		t.next++
		h = t.next
		t.engines[h] = e
		t.mu.Unlock()
		return ResultOK
	})
	return h, rc
}

// Submit feeds one received transport packet to the engine behind h.
func (t *Table) Submit(h Handle, p []byte) ResultCode {
	return t.guard("submit", func() ResultCode {
		e := t.lookup(h)
		if e == nil {
			return ResultInvalidHandle
		}
		return resultFromError(e.SubmitIncomingPacket(p))
	})
}

// Drain copies at most one outgoing transport packet into buf. n is zero
// when nothing is pending.
func (t *Table) Drain(h Handle, buf []byte) (n int, rc ResultCode) {
	rc = t.guard("drain", func() ResultCode {
		e := t.lookup(h)
		if e == nil {
			return ResultInvalidHandle
		}
		var err error
		n, err = e.DrainOutgoingPacket(buf)
		return resultFromError(err)
	})
	return n, rc
}

// Send queues one application datagram.
func (t *Table) Send(h Handle, p []byte) ResultCode {
	return t.guard("send", func() ResultCode {
		e := t.lookup(h)
		if e == nil {
			return ResultInvalidHandle
		}
		return resultFromError(e.SendDatagram(p))
	})
}

// Recv drains the received application datagrams and the drop count.
func (t *Table) Recv(h Handle) (datagrams [][]byte, dropped uint64, rc ResultCode) {
	rc = t.guard("recv", func() ResultCode {
		e := t.lookup(h)
		if e == nil {
			return ResultInvalidHandle
		}
		datagrams, dropped = e.RecvDatagrams()
		return ResultOK
	})
	return datagrams, dropped, rc
}

// State reports the lifecycle state of the engine behind h.
func (t *Table) State(h Handle) (State, ResultCode) {
	var s State
	rc := t.guard("state", func() ResultCode {
		e := t.lookup(h)
		if e == nil {
			return ResultInvalidHandle
		}
		s = e.State()
		return ResultOK
	})
	return s, rc
}

// LastError reports the engine's most recent fatal error as text, empty if
// none.
func (t *Table) LastError(h Handle) (string, ResultCode) {
	var msg string
	rc := t.guard("last_error", func() ResultCode {
		e := t.lookup(h)
		if e == nil {
			return ResultInvalidHandle
		}
		if err := e.LastError(); err != nil {
			msg = err.Error()
		}
		return ResultOK
	})
	return msg, rc
}

// Close shuts the engine down and invalidates its handle.
func (t *Table) Close(h Handle, code uint64, reason string) ResultCode {
	return t.guard("close", func() ResultCode {
		t.mu.Lock()
		e := t.engines[h]
		delete(t.engines, h)
		t.mu.Unlock()

		if e == nil {
			return ResultInvalidHandle
		}
		return resultFromError(e.Close(code, reason))
	})
}

// CloseAll tears down every live engine. Used at process shutdown.
func (t *Table) CloseAll(code uint64, reason string) {
	t.mu.Lock()
	engines := make([]*Engine, 0, len(t.engines))
	for h, e := range t.engines {
		engines = append(engines, e)
		delete(t.engines, h)
	}
	t.mu.Unlock()

	for _, e := range engines {
		_ = e.Close(code, reason)
	}
}
