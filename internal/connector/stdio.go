package connector

import (
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/acpconductor/conductor/internal/frame"
	"github.com/acpconductor/conductor/internal/logx"
)

// Stdio spawns a child process and speaks newline-delimited JSON-RPC
// frames over its stdin/stdout — the usual way an editor launches an
// agent or a proxy binary.
type Stdio struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *frame.Writer

	recv chan frame.Frame
	errc chan error

	mu     sync.Mutex
	closed bool
}

// NewStdio constructs (but does not start) a Stdio connector that will
// run name with args.
func NewStdio(name string, args ...string) *Stdio {
	return &Stdio{
		cmd:  exec.Command(name, args...),
		recv: make(chan frame.Frame, 64),
		errc: make(chan error, 1),
	}
}

// Connect starts the subprocess and begins pumping its stdout into the
// returned frame channel.
func (s *Stdio) Connect(ctx context.Context) (<-chan frame.Frame, <-chan error, error) {
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	s.stdin = stdin
	s.writer = frame.NewWriter(stdin)
	if err := s.cmd.Start(); err != nil {
		return nil, nil, err
	}
	go s.readLoop(stdout)
	return s.recv, s.errc, nil
}

func (s *Stdio) readLoop(stdout io.ReadCloser) {
	r := frame.NewReader(stdout)
	for {
		f, err := r.Next()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && err != io.EOF {
				logx.Log.Warn().Err(err).Msg("stdio connector read failed")
			}
			select {
			case s.errc <- err:
			default:
			}
			close(s.recv)
			return
		}
		s.recv <- f
	}
}

// Send writes f to the subprocess's stdin.
func (s *Stdio) Send(f frame.Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.writer.Write(f)
}

// Close terminates the subprocess and releases its pipes.
func (s *Stdio) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
