package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

// Wrapper environment. The wrapper takes runtimeId and gameId as its two
// positional arguments.
const (
	EnvTransport = "PARTYBOX_TRANSPORT"
	EnvListen    = "PARTYBOX_LISTEN"
	EnvGamesDir  = "PARTYBOX_GAMES_DIR"
	EnvPolicy    = "PARTYBOX_POLICY"
	EnvLogLevel  = "PARTYBOX_LOG_LEVEL"

	TransportStdio  = "stdio"
	TransportSocket = "socket"
)

// Process runs each runtime as a child process of the wrapper binary and
// exchanges envelopes over its stdin and stdout. The child's stderr is its
// log and is forwarded line by line.
type Process struct {
	// Command is the wrapper argv prefix, e.g. [/usr/bin/partybox wrapper].
	Command  []string
	GamesDir string
	Policy   *policy.Policy
	// Env is extra environment for the child. The host environment is not
	// inherited.
	Env []string
	// LogLevel is passed to the child as PARTYBOX_LOG_LEVEL when set.
	LogLevel string
	Logger   *slog.Logger
}

// NewProcess builds a Process that re-executes the running binary.
func NewProcess(gamesDir string, pol *policy.Policy, logger *slog.Logger) (*Process, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate wrapper: %w", err)
	}
	return &Process{
		Command:  []string{self, "wrapper"},
		GamesDir: gamesDir,
		Policy:   pol,
		Logger:   logger,
	}, nil
}

func (s *Process) Kind() Kind { return KindProcess }

func (s *Process) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if len(s.Command) == 0 {
		return nil, fault.New(fault.CodeValidation, "no wrapper command configured")
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("runtime", req.Init.RuntimeID, "session", req.Init.SessionID, "game", req.Init.GameID, "strategy", KindProcess)

	encoded, err := s.Policy.Encode()
	if err != nil {
		return nil, err
	}
	gamesDir, err := filepath.Abs(s.GamesDir)
	if err != nil {
		return nil, fmt.Errorf("resolve games dir: %w", err)
	}

	args := append(append([]string{}, s.Command[1:]...), req.Init.RuntimeID, req.Init.GameID)
	cmd := exec.Command(s.Command[0], args...)
	cmd.Env = s.environ(gamesDir, encoded)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.CodeRuntimeCrash, "start wrapper", err)
	}
	logger.Debug("wrapper started", "pid", cmd.Process.Pid)

	l := newLink(req)
	h := &processHandle{link: l, cmd: cmd, stdin: stdin, policy: s.Policy, logger: logger}

	enc := protocol.NewEncoder(stdin)
	go l.pump(enc.Encode)

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		dec := protocol.NewDecoder(stdout)
		for {
			env, err := dec.Decode()
			if err == io.EOF {
				return
			}
			if err != nil {
				logger.Warn("bad envelope from runtime", "error", err)
				if protocol.Recoverable(err) {
					continue
				}
				io.Copy(io.Discard, stdout)
				return
			}
			l.deliver(env)
		}
	}()
	go func() {
		defer streams.Done()
		forwardLog(logger, stderr)
	}()

	go func() {
		streams.Wait()
		err := cmd.Wait()
		stdin.Close()
		if err != nil {
			logger.Info("wrapper exited", "error", err)
		} else {
			logger.Debug("wrapper exited")
		}
		l.finish(err)
	}()

	if err := l.awaitReady(ctx, req.Init, s.Policy.HandshakeTimeout); err != nil {
		h.kill()
		return nil, err
	}
	return h, nil
}

// environ is the child's whole environment.
func (s *Process) environ(gamesDir, encodedPolicy string) []string {
	env := append(append([]string{}, s.Env...),
		EnvTransport+"="+TransportStdio,
		EnvGamesDir+"="+gamesDir,
		EnvPolicy+"="+encodedPolicy,
	)
	if s.LogLevel != "" {
		env = append(env, EnvLogLevel+"="+s.LogLevel)
	}
	return env
}

type processHandle struct {
	*link
	cmd    *exec.Cmd
	stdin  io.Closer
	policy *policy.Policy
	logger *slog.Logger

	terminate sync.Once
}

// Terminate escalates END_GAME, SIGTERM, SIGKILL.
func (h *processHandle) Terminate(reason protocol.Reason) {
	h.terminate.Do(func() {
		h.markRequested()
		if h.waitDone(0) {
			return
		}
		if h.Send(protocol.MustWrap(protocol.EndGame{Reason: reason})) && h.waitDone(h.policy.EndGameGrace) {
			return
		}
		h.logger.Info("runtime ignored END_GAME, stopping", "reason", reason)
		h.cmd.Process.Signal(syscall.SIGTERM)
		if h.waitDone(h.policy.StopGrace) {
			return
		}
		h.logger.Warn("runtime ignored SIGTERM, killing", "reason", reason)
		h.cmd.Process.Kill()
	})
	<-h.done
}

func (h *processHandle) kill() {
	h.markRequested()
	h.cmd.Process.Kill()
	<-h.done
}

func (h *processHandle) Health(ctx context.Context) Stats {
	return Stats{}
}

func forwardLog(logger *slog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxEnvelopeSize)
	for scanner.Scan() {
		logger.Info("runtime log", "line", scanner.Text())
	}
	io.Copy(io.Discard, r)
}
