package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/engine/lua"
	"github.com/caffeineduck/partybox/gameapi"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/protocol"
	"github.com/caffeineduck/partybox/sandbox"
)

// fakeDocker answers CLI calls from canned replies and records them.
type fakeDocker struct {
	mu      sync.Mutex
	calls   [][]string
	replies map[string]string
	fail    map[string]error
	// on runs after a verb is recorded, outside the lock.
	on map[string]func()
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		replies: map[string]string{
			"create":  "0123456789abcdef0123",
			"inspect": "127.0.0.1",
			"wait":    "0",
			"stats":   `{"MemPerc":"45.00%","MemUsage":"57.6MiB / 128MiB"}`,
			"info":    "27.0.1",
		},
		fail: map[string]error{},
		on:   map[string]func(){},
	}
}

func (d *fakeDocker) Run(ctx context.Context, args ...string) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, args)
	hook := d.on[args[0]]
	err := d.fail[args[0]]
	reply := d.replies[args[0]]
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (d *fakeDocker) verbs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var verbs []string
	for _, c := range d.calls {
		verbs = append(verbs, c[0])
	}
	return verbs
}

func (d *fakeDocker) called(verb string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c[0] == verb {
			return c
		}
	}
	return nil
}

// startWrapper serves one sandbox host on a loopback port, standing in for
// the wrapper inside the container.
func startWrapper(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	pol := testPolicy()
	loader := payload.NewLoader("testdata/games", pol)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sandbox.ServeListener(ctx, ln, func(emit gameapi.Emitter) *sandbox.Host {
		return sandbox.NewHost(loader, engine.NewSet(lua.New()), pol, emit)
	})
	return ln.Addr().(*net.TCPAddr).Port
}

// startDeafWrapper accepts one connection, optionally answers INIT with
// READY, and ignores everything after. hangup drops the connection the way
// a stopped container would.
func startDeafWrapper(t *testing.T, ready bool) (port int, hangup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
		in := bufio.NewScanner(conn)
		in.Scan()
		if ready {
			fmt.Fprintln(conn, `{"type":"READY"}`)
		}
		io.Copy(io.Discard, conn)
	}()
	var once sync.Once
	hangup = func() {
		once.Do(func() {
			select {
			case conn := <-accepted:
				conn.Close()
			case <-time.After(time.Second):
			}
		})
	}
	t.Cleanup(hangup)
	return ln.Addr().(*net.TCPAddr).Port, hangup
}

// freePort returns a loopback port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func requireRemoved(t *testing.T, docker *fakeDocker) {
	t.Helper()
	require.Eventually(t, func() bool { return docker.called("rm") != nil }, 5*time.Second, 10*time.Millisecond,
		"container should be removed, calls: %v", docker.verbs())
	require.Equal(t, []string{"rm", "-f", "0123456789abcdef0123"}, docker.called("rm"))
}

func newTestContainer(docker Docker, port int) *Container {
	return &Container{
		Docker:   docker,
		Image:    "partybox-runtime:test",
		Network:  "partybox-games",
		GamesDir: "testdata/games",
		Policy:   testPolicy(),
		Port:     port,
	}
}

func TestContainerCreateArgsLockDown(t *testing.T) {
	s := newTestContainer(newFakeDocker(), 0)
	s.CapAdd = []string{"NET_BIND_SERVICE"}

	args := s.createArgs("rt-1", "trivia", "/srv/games", "{}")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--memory 134217728",
		"--memory-swap 134217728",
		"--cpus 0.50",
		"--pids-limit 100",
		"--cap-drop ALL",
		"--cap-add NET_BIND_SERVICE",
		"--security-opt no-new-privileges:true",
		"--read-only",
		"--tmpfs /tmp:rw,noexec,nosuid,size=16m",
		"--network partybox-games",
		"-v /srv/games:/games:ro",
		"-e PARTYBOX_TRANSPORT=socket",
		"-e PARTYBOX_LISTEN=:7070",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("create args missing %q:\n%s", want, joined)
		}
	}
	if got := args[len(args)-3:]; !slices.Equal(got, []string{"partybox-runtime:test", "rt-1", "trivia"}) {
		t.Errorf("expected image and positional args last, got %v", got)
	}
	if strings.Contains(joined, EnvLogLevel) {
		t.Errorf("log level passed without being set:\n%s", joined)
	}

	s.LogLevel = "debug"
	args = s.createArgs("rt-1", "trivia", "/srv/games", "{}")
	if !strings.Contains(strings.Join(args, " "), "-e PARTYBOX_LOG_LEVEL=debug") {
		t.Errorf("create args missing log level:\n%s", strings.Join(args, " "))
	}
	if got := args[len(args)-3:]; !slices.Equal(got, []string{"partybox-runtime:test", "rt-1", "trivia"}) {
		t.Errorf("expected image and positional args last, got %v", got)
	}
}

func TestContainerLifecycle(t *testing.T) {
	docker := newFakeDocker()
	s := newTestContainer(docker, startWrapper(t))
	rec := newRecorder()

	h, err := s.Spawn(context.Background(), rec.request(testInit("echo")))
	require.NoError(t, err)
	require.NotNil(t, docker.called("start"))
	require.Equal(t, []protocol.Type{protocol.TypeSendToHost}, rec.types())

	stats := h.Health(context.Background())
	require.True(t, stats.HasMemory)
	require.InDelta(t, 0.45, stats.MemoryFraction, 1e-9)

	require.True(t, h.Send(action("p2", "buzz")))
	rec.waitFor(t, 2)

	h.Terminate(protocol.ReasonEnded)
	st := rec.exit(t)
	require.True(t, st.Requested)
	require.NoError(t, st.Err)
	require.Equal(t, []string{"rm", "-f", "0123456789abcdef0123"}, docker.called("rm"))
	require.Nil(t, docker.called("kill"))
}

func TestContainerStartFailureRemovesContainer(t *testing.T) {
	docker := newFakeDocker()
	docker.fail["start"] = errors.New("no such network")
	s := newTestContainer(docker, 1)

	_, err := s.Spawn(context.Background(), newRecorder().request(testInit("echo")))
	require.Error(t, err)
	require.NotNil(t, docker.called("rm"))
}

func TestContainerHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, docker *fakeDocker) int
		timeout bool
	}{
		{
			name: "wrapper never sends READY",
			setup: func(t *testing.T, docker *fakeDocker) int {
				port, _ := startDeafWrapper(t, false)
				return port
			},
			timeout: true,
		},
		{
			name: "no address on the network",
			setup: func(t *testing.T, docker *fakeDocker) int {
				docker.replies["inspect"] = ""
				return 1
			},
		},
		{
			name: "inspect fails",
			setup: func(t *testing.T, docker *fakeDocker) int {
				docker.fail["inspect"] = errors.New("no such container")
				return 1
			},
		},
		{
			name: "wrapper never listens",
			setup: func(t *testing.T, docker *fakeDocker) int {
				return freePort(t)
			},
			timeout: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docker := newFakeDocker()
			s := newTestContainer(docker, tt.setup(t, docker))
			s.Policy.HandshakeTimeout = 300 * time.Millisecond

			start := time.Now()
			_, err := s.Spawn(context.Background(), newRecorder().request(testInit("echo")))
			require.Error(t, err)
			require.True(t, fault.Is(err, fault.CodeTransport), "expected TRANSPORT_FAILURE, got %s", fault.CodeOf(err))
			if tt.timeout {
				require.ErrorIs(t, err, ErrHandshakeTimeout)
			}
			require.Less(t, time.Since(start), 5*time.Second)
			requireRemoved(t, docker)
		})
	}
}

func TestContainerTerminateEscalates(t *testing.T) {
	t.Run("stop ends the container", func(t *testing.T) {
		docker := newFakeDocker()
		port, hangup := startDeafWrapper(t, true)
		docker.on["stop"] = hangup
		s := newTestContainer(docker, port)
		s.Policy.EndGameGrace = 100 * time.Millisecond
		rec := newRecorder()

		h, err := s.Spawn(context.Background(), rec.request(testInit("echo")))
		require.NoError(t, err)

		h.Terminate(protocol.ReasonEnded)
		st := rec.exit(t)
		require.True(t, st.Requested)
		require.Equal(t, []string{"stop", "--time", "1", "0123456789abcdef0123"}, docker.called("stop"))
		require.Nil(t, docker.called("kill"))
		requireRemoved(t, docker)
	})

	t.Run("kill follows an ignored stop", func(t *testing.T) {
		docker := newFakeDocker()
		port, _ := startDeafWrapper(t, true)
		s := newTestContainer(docker, port)
		s.Policy.EndGameGrace = 100 * time.Millisecond
		rec := newRecorder()

		h, err := s.Spawn(context.Background(), rec.request(testInit("echo")))
		require.NoError(t, err)

		h.Terminate(protocol.ReasonEnded)
		st := rec.exit(t)
		require.True(t, st.Requested)
		requireRemoved(t, docker)

		verbs := docker.verbs()
		stop, kill, rm := slices.Index(verbs, "stop"), slices.Index(verbs, "kill"), slices.Index(verbs, "rm")
		require.True(t, stop >= 0 && stop < kill && kill < rm, "expected stop, kill, rm in order, got %v", verbs)
	})
}

func TestSelect(t *testing.T) {
	up := newFakeDocker()
	down := newFakeDocker()
	down.fail["info"] = errors.New("daemon unreachable")
	process := newTestProcess("serve")

	tests := []struct {
		name    string
		mode    string
		docker  Docker
		want    Kind
		wantErr bool
	}{
		{name: "auto prefers containers", mode: ModeAuto, docker: up, want: KindContainer},
		{name: "auto falls back to processes", mode: ModeAuto, docker: down, want: KindProcess},
		{name: "forced process skips the probe", mode: ModeProcess, docker: up, want: KindProcess},
		{name: "forced container without daemon", mode: ModeContainer, docker: down, wantErr: true},
		{name: "unknown mode", mode: "inline", docker: up, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(context.Background(), tt.mode, newTestContainer(tt.docker, 0), process, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Kind())
		})
	}
}
