// Package server speaks the null-terminated textual protocol over a local
// unix socket and drives the session state machine: a path announcement, a
// reservation, then an optional sync wait.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cehteh/rmrfd/internal/ticket"
)

// Core is what a session needs from the daemon.
type Core interface {
	// Reserve validates that a staging domain covers path and returns a
	// uniquely named reserved subdirectory on the same filesystem.
	Reserve(path string) (string, error)
	// Attach creates a ticket observing the reserved subdirectory and
	// starts scanning whatever the caller moved into it.
	Attach(dir string, policy ticket.Policy) (*ticket.Ticket, error)
}

// Server accepts sessions on a unix socket.
type Server struct {
	core Core
	log  zerolog.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	nextSID atomic.Uint64

	onSession func()
}

// New creates a server around core.
func New(core Core, log zerolog.Logger) *Server {
	return &Server{core: core, log: log, conns: make(map[net.Conn]struct{})}
}

// OnSession installs a callback invoked once per accepted session. Must be
// set before Serve.
func (s *Server) OnSession(fn func()) { s.onSession = fn }

// Listen removes a stale socket at path and listens on it.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// Serve accepts connections until ctx is cancelled. Blocks until all
// sessions finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().Stringer("addr", ln.Addr()).Msg("listening")

	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		ln.Close()

		// Sessions blocked in a sync wait get a grace period; reclamation
		// continues regardless of whether they observe it.
		time.AfterFunc(30*time.Second, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for conn := range s.conns {
				conn.Close()
			}
		})
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Error().Err(err).Msg("accept error")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConn(ctx, conn)
		}()
	}

	wg.Wait()
	return nil
}

// handleConn runs one session: AwaitPath, PathOk, AwaitSync, then done.
// Every failure reports a numeric code and ends the session; ticket state
// already attached to the inventory survives the disconnect.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.onSession != nil {
		s.onSession()
	}
	log := s.log.With().Uint64("session", s.nextSID.Add(1)).Logger()
	r := bufio.NewReader(conn)

	// AwaitPath.
	req, err := ReadRequest(r)
	if err != nil {
		s.abort(log, conn, err, "await path")
		return
	}
	pathReq, ok := req.(PathRequest)
	if !ok {
		s.abort(log, conn, Errf(CodeProtocol, "expected PATH"), "await path")
		return
	}

	dir, err := s.core.Reserve(pathReq.Path)
	if err != nil {
		s.abort(log, conn, err, "reserve")
		return
	}
	log.Debug().Str("path", pathReq.Path).Str("reserved", dir).Msg("reserved")
	if err := WriteOK(conn, dir); err != nil {
		log.Warn().Err(err).Msg("write failed")
		return
	}

	// PathOk: the caller moves data into dir, outside our control. An
	// orderly disconnect here is the async convention; the watcher will
	// pick up whatever arrived.
	req, err = ReadRequest(r)
	if errors.Is(err, io.EOF) {
		log.Debug().Msg("async session done")
		return
	}
	if err != nil {
		s.abort(log, conn, err, "await sync")
		return
	}
	syncReq, ok := req.(SyncRequest)
	if !ok {
		s.abort(log, conn, Errf(CodeProtocol, "expected SYNC"), "await sync")
		return
	}

	// AwaitSync.
	tk, err := s.core.Attach(dir, ticket.PolicyFor(syncReq.Percent))
	if err != nil {
		s.abort(log, conn, err, "attach")
		return
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// A dropped connection abandons observation only.
		var buf [1]byte
		conn.Read(buf[:]) //nolint:errcheck // any outcome means the session ended
		cancel()
	}()

	blocks, err := tk.Wait(waitCtx)
	if err != nil {
		log.Debug().Err(err).Msg("sync wait abandoned")
		return
	}
	log.Info().Int64("kib_blocks", blocks).Int("percent", syncReq.Percent).Msg("sync satisfied")
	if err := WriteOK(conn, strconv.FormatInt(blocks, 10)); err != nil {
		log.Warn().Err(err).Msg("write failed")
	}
}

func (s *Server) abort(log zerolog.Logger, conn net.Conn, err error, stage string) {
	code := CodeInternal
	var se *Error
	if errors.As(err, &se) {
		code = se.Code
	}
	log.Warn().Err(err).Str("stage", stage).Int("code", int(code)).Msg("session failed")
	_ = WriteErr(conn, code)
}
