// Package session wires the tracing engine, post-spawn bootstrap, and
// symbol resolver into the single per-debug-run object the command
// front-end drives: spawn, then steady-state run/stop.
package session

import (
	"log/slog"

	"github.com/cydbg/cydbg/internal/bootstrap"
	"github.com/cydbg/cydbg/internal/elfimage"
	"github.com/cydbg/cydbg/internal/resolver"
	"github.com/cydbg/cydbg/internal/tracer"
)

// Session owns the main executable's ELF image, the tracing engine, and
// (once a tracee has been spawned at least once) the symbol resolver
// built from whatever bootstrap discovered.
type Session struct {
	Path string
	Args []string
	Main *elfimage.Image
	Tr   *tracer.Tracer

	log      *slog.Logger
	resolver *resolver.Resolver
}

// New opens the main executable's ELF image and builds a Session ready
// to Spawn. The tracee is not started yet, so breakpoints may be set on
// the returned Session's Tr beforehand; they are carried into the first
// Spawn and injected once the tracee exists.
func New(path string, args []string, log *slog.Logger) (*Session, error) {
	img, err := elfimage.New(path, 0)
	if err != nil {
		return nil, err
	}
	return &Session{
		Path: path,
		Args: args,
		Main: img,
		Tr:   tracer.New(),
		log:  log,
	}, nil
}

// Spawn (re)starts the tracee: Tracer.Spawn forks/execs and waits for
// the post-exec trap, post-spawn bootstrap rebases a PIE main image and
// enumerates shared libraries, and finally every breakpoint recorded so
// far — including ones set before this Spawn ever ran — is injected.
func (s *Session) Spawn() (tracer.Event, error) {
	ev, err := s.Tr.Spawn(s.Path, s.Args)
	if err != nil {
		return ev, err
	}
	s.log.Debug("spawned tracee", "pid", s.Tr.Pid(), "path", s.Path)

	boot, err := bootstrap.Bootstrap(s.Tr, s.Main)
	if err != nil {
		return ev, err
	}
	s.log.Debug("bootstrap complete", "base", s.Main.Base(), "libraries", len(boot.Libraries))

	if err := s.Tr.ReinjectAll(); err != nil {
		return ev, err
	}

	s.resolver = resolver.New(s.Main, boot)
	return ev, nil
}

// Resolver returns the symbol facade built by the most recent Spawn, or
// nil if the tracee has never been spawned.
func (s *Session) Resolver() *resolver.Resolver {
	return s.resolver
}

// Close tears down the tracee (best-effort) and closes every ELF image
// the session or its resolver opened.
func (s *Session) Close() error {
	killErr := s.Tr.Kill()
	var closeErr error
	if s.resolver != nil {
		closeErr = s.resolver.Close()
	} else {
		closeErr = s.Main.Close()
	}
	if killErr != nil {
		return killErr
	}
	return closeErr
}
