package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgesession/internal/registry"
	"github.com/danmuck/edgesession/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid     int
	exit    chan error
	once    sync.Once
	stopped chan struct{}
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1), stopped: make(chan struct{})}
}

func (p *fakeProcess) end(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProcess) PID() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Stop() error {
	select {
	case <-p.stopped:
	default:
		close(p.stopped)
	}
	p.end(errors.New("signal: terminated"))
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []Spec
	onStart func(spec Spec, p *fakeProcess)
	err     error
	nextPID int
}

func (l *fakeLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}
	l.nextPID++
	p := newFakeProcess(4240 + l.nextPID)
	hook := l.onStart
	l.mu.Unlock()
	if hook != nil {
		hook(spec, p)
	}
	return p, nil
}

func (l *fakeLauncher) lastSpec() Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]registry.Session
	closed   []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]registry.Session)}
}

func (f *fakeSessions) register(tag, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tag] = registry.Session{ID: id, Tag: tag, State: registry.StateConnected}
}

func (f *fakeSessions) Lookup(_ context.Context, tag string) (registry.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[tag]
	return s, ok, nil
}

func (f *fakeSessions) Close(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tag)
	return nil
}

func (f *fakeSessions) closedTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type reportSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *reportSink) Report(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *reportSink) snapshot() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

func newTestCoordinator(t *testing.T, launcher Launcher, sessions Sessions, reporter Reporter) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{
		LaunchTimeout: 2 * time.Second,
		DaemonURL:     "http://127.0.0.1:7400",
	}, launcher, sessions, reporter)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func TestTagFor(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, "conv-1", TagFor(LaunchRequest{Tag: " conv-1 ", Hint: "S1"}))
	require.Equal(t, "S1", TagFor(LaunchRequest{Hint: "S1"}))
	a := TagFor(LaunchRequest{})
	b := TagFor(LaunchRequest{})
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestLaunchPassesHintAsTagAndReports(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{}
	sessions := newFakeSessions()
	reports := &reportSink{}
	coord := newTestCoordinator(t, launcher, sessions, reports)

	var proc *fakeProcess
	launcher.onStart = func(spec Spec, p *fakeProcess) {
		proc = p
		go func() {
			_ = coord.SessionStarted(SessionStarted{Tag: spec.Tag, SessionID: "S1"})
		}()
	}

	l, err := coord.Launch(context.Background(), LaunchRequest{Hint: "S1", Directory: "/work"})
	require.NoError(t, err)
	require.Equal(t, "S1", l.Tag)
	require.Equal(t, "S1", l.SessionID)
	require.Equal(t, StateRunning, l.State)
	require.Equal(t, proc.pid, l.PID)

	spec := launcher.lastSpec()
	require.Equal(t, "/work", spec.Directory)
	require.Contains(t, spec.Env, EnvSessionTag+"=S1")
	require.Contains(t, spec.Env, EnvSessionHint+"=S1")
	require.Contains(t, spec.Env, EnvDaemonURL+"=http://127.0.0.1:7400")

	got := reports.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, Report{Tag: "S1", SessionID: "S1", PID: proc.pid, State: StateRunning}, got[0])

	proc.end(nil)
	require.Eventually(t, func() bool { return len(reports.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got = reports.snapshot()
	require.Equal(t, StateExited, got[1].State)
	require.Equal(t, []string{"S1"}, sessions.closedTags())

	listed := coord.List()
	require.Len(t, listed, 1)
	require.Equal(t, StateExited, listed[0].State)
	require.False(t, listed[0].EndedAt.IsZero())
}

// reportThenExitProcess reports its session from inside Wait and exits
// right after, so the exit can land before Launch sees the report.
type reportThenExitProcess struct {
	coord *Coordinator
	tag   string
}

func (p *reportThenExitProcess) PID() int { return 777 }
func (p *reportThenExitProcess) Wait() error {
	_ = p.coord.SessionStarted(SessionStarted{Tag: p.tag, SessionID: "S1", PID: 777})
	return errors.New("exit status 1")
}
func (p *reportThenExitProcess) Stop() error { return nil }

type reportThenExitLauncher struct {
	coord *Coordinator
}

func (l *reportThenExitLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	return &reportThenExitProcess{coord: l.coord, tag: spec.Tag}, nil
}

func TestLaunchReportedThenExitedClosesOut(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < 50; i++ {
		launcher := &reportThenExitLauncher{}
		sessions := newFakeSessions()
		reports := &reportSink{}
		coord := newTestCoordinator(t, launcher, sessions, reports)
		launcher.coord = coord

		l, err := coord.Launch(context.Background(), LaunchRequest{Tag: "t1"})
		require.NoError(t, err)
		require.Equal(t, "S1", l.SessionID)

		require.Eventually(t, func() bool {
			got, ok := coord.Get("t1")
			return ok && got.State == StateExited && len(reports.snapshot()) == 2
		}, time.Second, time.Millisecond, "iteration %d", i)
		got := reports.snapshot()
		require.Equal(t, StateRunning, got[0].State)
		require.Equal(t, StateExited, got[1].State)
		require.Equal(t, "exit status 1", got[1].Error)
		require.Equal(t, []string{"t1"}, sessions.closedTags())

		final, _ := coord.Get("t1")
		require.Equal(t, int32(1), final.ExitCode)
		require.False(t, final.EndedAt.IsZero())
	}
}

func TestLaunchFailsWhenAgentDiesBeforeReporting(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{}
	sessions := newFakeSessions()
	reports := &reportSink{}
	coord := newTestCoordinator(t, launcher, sessions, reports)

	launcher.onStart = func(spec Spec, p *fakeProcess) {
		// The agent got as far as registering before it crashed.
		sessions.register(spec.Tag, "S7")
		p.end(errors.New("exit status 2"))
	}

	l, err := coord.Launch(context.Background(), LaunchRequest{Tag: "conv-42"})
	var failed *LaunchFailedError
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, err, ErrExitedEarly)
	require.Equal(t, "conv-42", failed.Tag)
	require.True(t, failed.SessionRegistered)
	require.Equal(t, "S7", failed.SessionID)
	require.Equal(t, StateFailed, l.State)
	require.Equal(t, []string{"conv-42"}, sessions.closedTags())

	got := reports.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, StateFailed, got[0].State)
	require.Equal(t, "S7", got[0].SessionID)
	require.NotEmpty(t, got[0].Error)
}

func TestLaunchTimeoutStopsProcess(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{}
	var proc *fakeProcess
	launcher.onStart = func(_ Spec, p *fakeProcess) { proc = p }
	coord, err := NewCoordinator(Config{LaunchTimeout: 50 * time.Millisecond}, launcher, newFakeSessions(), nil)
	require.NoError(t, err)

	_, err = coord.Launch(context.Background(), LaunchRequest{Tag: "slow"})
	var failed *LaunchFailedError
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, err, ErrLaunchTimeout)
	require.False(t, failed.SessionRegistered)
	select {
	case <-proc.stopped:
	case <-time.After(time.Second):
		t.Fatalf("process not stopped after timeout")
	}

	require.ErrorIs(t, coord.SessionStarted(SessionStarted{Tag: "slow", SessionID: "late"}), ErrLaunchNotActive)
}

func TestLaunchStartErrorIsLaunchFailed(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{err: errors.New("no such binary")}
	coord := newTestCoordinator(t, launcher, nil, nil)
	_, err := coord.Launch(context.Background(), LaunchRequest{Tag: "x"})
	var failed *LaunchFailedError
	require.ErrorAs(t, err, &failed)
	require.False(t, failed.SessionRegistered)

	// A failed tag can be launched again.
	launcher.mu.Lock()
	launcher.err = nil
	launcher.onStart = func(spec Spec, _ *fakeProcess) {
		go func() { _ = coord.SessionStarted(SessionStarted{Tag: spec.Tag, SessionID: "S2"}) }()
	}
	launcher.mu.Unlock()
	l, err := coord.Launch(context.Background(), LaunchRequest{Tag: "x"})
	require.NoError(t, err)
	require.Equal(t, "S2", l.SessionID)
}

func TestLaunchRejectsActiveTagAndStopByPID(t *testing.T) {
	testlog.Start(t)
	launcher := &fakeLauncher{}
	reports := &reportSink{}
	coord := newTestCoordinator(t, launcher, nil, reports)
	launcher.onStart = func(spec Spec, _ *fakeProcess) {
		go func() { _ = coord.SessionStarted(SessionStarted{Tag: spec.Tag, SessionID: "S3"}) }()
	}

	l, err := coord.Launch(context.Background(), LaunchRequest{Tag: "busy"})
	require.NoError(t, err)
	_, err = coord.Launch(context.Background(), LaunchRequest{Tag: "busy"})
	require.ErrorIs(t, err, ErrTagActive)

	require.ErrorIs(t, coord.Stop(99999), ErrUnknownPID)
	require.NoError(t, coord.Stop(l.PID))
	require.Eventually(t, func() bool {
		got, ok := coord.Get("busy")
		return ok && got.State == StateExited
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, coord.Stop(l.PID), ErrLaunchNotActive)
}

func TestSessionStartedValidation(t *testing.T) {
	testlog.Start(t)
	coord := newTestCoordinator(t, &fakeLauncher{}, nil, nil)
	require.ErrorIs(t, coord.SessionStarted(SessionStarted{SessionID: "S"}), ErrInvalidStarted)
	require.ErrorIs(t, coord.SessionStarted(SessionStarted{Tag: "t"}), ErrInvalidStarted)
	require.ErrorIs(t, coord.SessionStarted(SessionStarted{Tag: "nobody", SessionID: "S"}), ErrUnknownLaunch)
}

func TestExecLauncherInjectsEnvironment(t *testing.T) {
	testlog.Start(t)
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	launcher := ExecLauncher{
		Path:     sh,
		BaseArgs: []string{"-c", `test "$EDGESESSION_SESSION_TAG" = conv-exec || exit 9; exit 3`},
	}
	coord := newTestCoordinator(t, launcher, nil, nil)
	_, err = coord.Launch(context.Background(), LaunchRequest{Tag: "conv-exec"})
	var failed *LaunchFailedError
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, err, ErrExitedEarly)
	require.Equal(t, int32(3), failed.ExitCode)
	require.Greater(t, failed.PID, 0)
}

func TestExitCode(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, int32(0), ExitCode(nil))
	require.Equal(t, int32(1), ExitCode(errors.New("x")))
	_, err := exec.Command("edgesession-definitely-missing-binary").Output()
	require.Equal(t, int32(127), ExitCode(err))
}

func TestWebhookReporterPostsJSON(t *testing.T) {
	testlog.Start(t)
	got := make(chan Report, 1)
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var rep Report
		_ = json.NewDecoder(r.Body).Decode(&rep)
		got <- rep
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWebhookReporter(srv.URL, "hook-token", time.Second)
	require.NoError(t, err)
	want := Report{Tag: "conv-1", SessionID: "S1", PID: 10, State: StateRunning}
	require.NoError(t, w.Report(context.Background(), want))
	require.Equal(t, want, <-got)
	require.Equal(t, "Bearer hook-token", auth)

	_, err = NewWebhookReporter("ftp://nope", "", 0)
	require.ErrorIs(t, err, ErrInvalidConfig)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	w, err = NewWebhookReporter(failing.URL, "", time.Second)
	require.NoError(t, err)
	require.Error(t, w.Report(context.Background(), want))
}
