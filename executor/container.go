package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

const (
	DefaultWrapperPort = 7070

	// containerGames is where the games directory is mounted in the image.
	containerGames = "/games"
	nobody         = "65534:65534"
	dockerTimeout  = 30 * time.Second
	dialBackoff    = 100 * time.Millisecond
)

// Container runs each runtime in its own locked-down container and talks to
// the wrapper inside over TCP on an internal bridge network.
type Container struct {
	Docker   Docker
	Image    string
	Network  string
	GamesDir string
	Policy   *policy.Policy
	// CapAdd lists capabilities granted back after dropping all of them.
	CapAdd []string
	// Port is the wrapper's listen port inside the container.
	Port int
	// LogLevel is passed to the wrapper as PARTYBOX_LOG_LEVEL when set.
	LogLevel string
	Logger   *slog.Logger
}

func (s *Container) Kind() Kind { return KindContainer }

func (s *Container) port() int {
	if s.Port == 0 {
		return DefaultWrapperPort
	}
	return s.Port
}

// createArgs is the docker create invocation for one runtime.
func (s *Container) createArgs(runtimeID, gameID, gamesDir, encodedPolicy string) []string {
	memory := strconv.FormatUint(s.Policy.MemoryCeiling, 10)
	args := []string{
		"create",
		"--name", "partybox-" + runtimeID,
		"--label", "partybox.runtime=" + runtimeID,
		"--memory", memory,
		"--memory-swap", memory,
		"--cpus", strconv.FormatFloat(s.Policy.CPUQuota, 'f', 2, 64),
		"--pids-limit", strconv.Itoa(s.Policy.PidsLimit),
		"--cap-drop", "ALL",
	}
	for _, c := range s.CapAdd {
		args = append(args, "--cap-add", c)
	}
	args = append(args,
		"--security-opt", "no-new-privileges:true",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",
		"--network", s.Network,
		"--user", nobody,
		"-v", gamesDir+":"+containerGames+":ro",
		"-e", EnvTransport+"="+TransportSocket,
		"-e", EnvListen+"=:"+strconv.Itoa(s.port()),
		"-e", EnvGamesDir+"="+containerGames,
		"-e", EnvPolicy+"="+encodedPolicy,
	)
	if s.LogLevel != "" {
		args = append(args, "-e", EnvLogLevel+"="+s.LogLevel)
	}
	return append(args, s.Image, runtimeID, gameID)
}

// Spawn creates and starts the container, dials the wrapper, and runs the
// INIT/READY handshake, all within the policy's handshake timeout.
func (s *Container) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("runtime", req.Init.RuntimeID, "session", req.Init.SessionID, "game", req.Init.GameID, "strategy", KindContainer)

	encoded, err := s.Policy.Encode()
	if err != nil {
		return nil, err
	}
	gamesDir, err := filepath.Abs(s.GamesDir)
	if err != nil {
		return nil, fmt.Errorf("resolve games dir: %w", err)
	}

	deadline := time.Now().Add(s.Policy.HandshakeTimeout)
	spawnCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	id, err := s.Docker.Run(spawnCtx, s.createArgs(req.Init.RuntimeID, req.Init.GameID, gamesDir, encoded)...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeRuntimeCrash, "create container", err)
	}
	logger = logger.With("container", shortID(id))

	cleanup := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), dockerTimeout)
		defer cancel()
		if _, err := s.Docker.Run(rmCtx, "rm", "-f", id); err != nil {
			logger.Warn("remove container", "error", err)
		}
	}

	if _, err := s.Docker.Run(spawnCtx, "start", id); err != nil {
		cleanup()
		return nil, fault.Wrap(fault.CodeRuntimeCrash, "start container", err)
	}

	ip, err := s.Docker.Run(spawnCtx, "inspect", "-f", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", id)
	if err != nil || ip == "" {
		cleanup()
		return nil, fault.Wrap(fault.CodeTransport, "resolve container address", orNoAddress(err))
	}

	conn, err := dialUntil(spawnCtx, net.JoinHostPort(ip, strconv.Itoa(s.port())))
	if err != nil {
		cleanup()
		return nil, fault.Wrap(fault.CodeTransport, "connect to wrapper", err)
	}

	l := newLink(req)
	h := &containerHandle{link: l, docker: s.Docker, id: id, conn: conn, policy: s.Policy, logger: logger, cleanup: cleanup}

	enc := protocol.NewEncoder(conn)
	go l.pump(enc.Encode)
	go func() {
		dec := protocol.NewDecoder(conn)
		for {
			env, err := dec.Decode()
			if err != nil {
				if protocol.Recoverable(err) {
					logger.Warn("bad envelope from runtime", "error", err)
					continue
				}
				break
			}
			l.deliver(env)
		}
		conn.Close()
		l.finish(h.exitStatus())
		h.cleanupOnce.Do(cleanup)
	}()

	if err := l.awaitReady(ctx, req.Init, time.Until(deadline)); err != nil {
		h.markRequested()
		conn.Close()
		<-l.done
		return nil, err
	}
	logger.Info("container runtime ready")
	return h, nil
}

func orNoAddress(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("container has no address on its network")
}

func dialUntil(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: last error: %v", ErrHandshakeTimeout, err)
		case <-time.After(dialBackoff):
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type containerHandle struct {
	*link
	docker  Docker
	id      string
	conn    net.Conn
	policy  *policy.Policy
	logger  *slog.Logger
	cleanup func()

	terminate   sync.Once
	cleanupOnce sync.Once
}

// exitStatus asks the daemon how the container ended.
func (h *containerHandle) exitStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.policy.StopGrace)
	defer cancel()
	code, err := h.docker.Run(ctx, "wait", h.id)
	if err != nil {
		return fmt.Errorf("connection closed: %w", io.ErrUnexpectedEOF)
	}
	if code != "0" {
		return fmt.Errorf("container exited with status %s", code)
	}
	return nil
}

// Terminate escalates END_GAME, docker stop, docker kill.
func (h *containerHandle) Terminate(reason protocol.Reason) {
	h.terminate.Do(func() {
		h.markRequested()
		if h.waitDone(0) {
			return
		}
		if h.Send(protocol.MustWrap(protocol.EndGame{Reason: reason})) && h.waitDone(h.policy.EndGameGrace) {
			return
		}

		h.logger.Info("runtime ignored END_GAME, stopping container", "reason", reason)
		grace := strconv.Itoa(int(h.policy.StopGrace.Seconds()))
		ctx, cancel := context.WithTimeout(context.Background(), h.policy.StopGrace+dockerTimeout)
		defer cancel()
		if _, err := h.docker.Run(ctx, "stop", "--time", grace, h.id); err != nil {
			h.logger.Warn("stop container", "error", err)
		}
		if !h.waitDone(time.Second) {
			h.logger.Warn("container still running, killing", "reason", reason)
			if _, err := h.docker.Run(ctx, "kill", h.id); err != nil {
				h.logger.Warn("kill container", "error", err)
			}
			h.conn.Close()
		}
	})
	<-h.done
	h.cleanupOnce.Do(h.cleanup)
}

// dockerStats is the subset of `docker stats --format '{{json .}}'` used.
type dockerStats struct {
	MemPerc  string `json:"MemPerc"`
	MemUsage string `json:"MemUsage"`
}

func (h *containerHandle) Health(ctx context.Context) Stats {
	out, err := h.docker.Run(ctx, "stats", "--no-stream", "--format", "{{json .}}", h.id)
	if err != nil {
		h.logger.Debug("container stats", "error", err)
		return Stats{}
	}
	var ds dockerStats
	if err := json.Unmarshal([]byte(out), &ds); err != nil {
		return Stats{}
	}
	perc, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(ds.MemPerc), "%"), 64)
	if err != nil {
		return Stats{}
	}
	stats := Stats{
		MemoryFraction: perc / 100,
		MemoryLimit:    h.policy.MemoryCeiling,
		HasMemory:      true,
	}
	stats.MemoryUsage = uint64(stats.MemoryFraction * float64(h.policy.MemoryCeiling))
	return stats
}
