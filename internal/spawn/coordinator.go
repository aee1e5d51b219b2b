package spawn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgesession/internal/observability"
	"github.com/danmuck/edgesession/internal/registry"
	"github.com/rs/zerolog/log"
)

// Sessions is the part of the session registry the coordinator consults
// when a launch fails.
type Sessions interface {
	Lookup(ctx context.Context, tag string) (registry.Session, bool, error)
	Close(ctx context.Context, tag string) error
}

// Config configures a Coordinator.
type Config struct {
	// LaunchTimeout bounds the wait for the agent's session-started report.
	LaunchTimeout time.Duration
	// DaemonURL is exported to agents so they can report back.
	DaemonURL string
	// ReportTimeout bounds one Reporter call.
	ReportTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		LaunchTimeout: 30 * time.Second,
		ReportTimeout: 5 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = def.LaunchTimeout
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = def.ReportTimeout
	}
	c.DaemonURL = strings.TrimSpace(c.DaemonURL)
	return c
}

type launchEntry struct {
	launch  Launch
	proc    Process
	started chan SessionStarted
	exited  chan struct{}
	// waited is set under the coordinator lock once Wait returned. Whichever
	// of watch and running observes the other second closes out the launch.
	waited bool
	// announced closes once the running report went out.
	announced chan struct{}
}

// Coordinator launches agents, waits for their session-started report and
// tracks them until exit.
type Coordinator struct {
	cfg      Config
	launcher Launcher
	sessions Sessions
	reporter Reporter

	mu     sync.Mutex
	byTag  map[string]*launchEntry
	byPID  map[int]string
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator builds a coordinator. sessions and reporter may be nil.
func NewCoordinator(cfg Config, launcher Launcher, sessions Sessions, reporter Reporter) (*Coordinator, error) {
	if launcher == nil {
		return nil, fmt.Errorf("%w: launcher is required", ErrInvalidConfig)
	}
	return &Coordinator{
		cfg:      cfg.WithDefaults(),
		launcher: launcher,
		sessions: sessions,
		reporter: reporter,
		byTag:    make(map[string]*launchEntry),
		byPID:    make(map[int]string),
	}, nil
}

// Launch starts one agent for req and waits until it reports its session.
// Failures are *LaunchFailedError except ErrTagActive.
func (c *Coordinator) Launch(ctx context.Context, req LaunchRequest) (Launch, error) {
	tag := TagFor(req)
	hint := strings.TrimSpace(req.Hint)
	begin := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Launch{}, ErrCoordinatorClose
	}
	if prev, ok := c.byTag[tag]; ok && !prev.launch.State.Terminal() {
		snap := prev.launch
		c.mu.Unlock()
		return snap, fmt.Errorf("%w: tag=%s", ErrTagActive, tag)
	}
	if prev, ok := c.byTag[tag]; ok {
		delete(c.byPID, prev.launch.PID)
	}
	e := &launchEntry{
		launch:    Launch{Tag: tag, Hint: hint, State: StateStarting, StartedAt: begin},
		started:   make(chan SessionStarted, 1),
		exited:    make(chan struct{}),
		announced: make(chan struct{}),
	}
	c.byTag[tag] = e
	c.mu.Unlock()

	log.Info().Msgf("spawn.Launch starting tag=%s hint=%s dir=%s", tag, hint, req.Directory)
	proc, err := c.launcher.Start(ctx, Spec{
		Tag:       tag,
		Hint:      hint,
		Directory: req.Directory,
		Args:      req.Args,
		Env:       c.env(tag, hint),
	})
	if err != nil {
		close(e.exited)
		return c.fail(e, "start_error", begin, ExitCode(err), err)
	}

	c.mu.Lock()
	e.proc = proc
	if pid := proc.PID(); pid > 0 {
		e.launch.PID = pid
		c.byPID[pid] = tag
	}
	c.mu.Unlock()
	c.wg.Add(1)
	go c.watch(e)

	timer := time.NewTimer(c.cfg.LaunchTimeout)
	defer timer.Stop()
	select {
	case started := <-e.started:
		return c.running(e, started, begin), nil
	case <-e.exited:
		select {
		case started := <-e.started:
			// Reported, then exited before we got here: the launch succeeded
			// and running closes it out as exited.
			return c.running(e, started, begin), nil
		default:
		}
		c.mu.Lock()
		code, exitErr := e.launch.ExitCode, e.launch.ExitErr
		c.mu.Unlock()
		cause := ErrExitedEarly
		if exitErr != "" {
			return c.fail(e, "exited", begin, code, fmt.Errorf("%w: %s", cause, exitErr))
		}
		return c.fail(e, "exited", begin, code, cause)
	case <-timer.C:
		_ = proc.Stop()
		return c.fail(e, "timeout", begin, 0, fmt.Errorf("%w: %s", ErrLaunchTimeout, c.cfg.LaunchTimeout))
	case <-ctx.Done():
		_ = proc.Stop()
		return c.fail(e, "canceled", begin, 0, ctx.Err())
	}
}

func (c *Coordinator) env(tag, hint string) []string {
	env := []string{EnvSessionTag + "=" + tag}
	if hint != "" {
		env = append(env, EnvSessionHint+"="+hint)
	}
	if c.cfg.DaemonURL != "" {
		env = append(env, EnvDaemonURL+"="+c.cfg.DaemonURL)
	}
	return env
}

func (c *Coordinator) running(e *launchEntry, started SessionStarted, begin time.Time) Launch {
	c.mu.Lock()
	e.launch.State = StateRunning
	e.launch.SessionID = started.SessionID
	if e.launch.PID == 0 && started.PID > 0 {
		e.launch.PID = started.PID
		c.byPID[started.PID] = e.launch.Tag
	}
	runningSnap := e.launch
	runningSnap.EndedAt, runningSnap.ExitCode, runningSnap.ExitErr = time.Time{}, 0, ""
	dead := e.waited
	if dead {
		e.launch.State = StateExited
	}
	snap := e.launch
	c.mu.Unlock()

	observability.RecordLaunch("started", time.Since(begin))
	log.Info().Msgf("spawn.Launch running tag=%s session=%s pid=%d", runningSnap.Tag, runningSnap.SessionID, runningSnap.PID)
	c.report(runningSnap)
	close(e.announced)
	if dead {
		c.exitedRunning(snap)
	}
	return snap
}

// fail marks e failed, checks whether a session got registered under the
// tag and closes it so it is not left without a live channel.
func (c *Coordinator) fail(e *launchEntry, outcome string, begin time.Time, code int32, cause error) (Launch, error) {
	c.mu.Lock()
	e.launch.State = StateFailed
	e.launch.ExitCode = code
	e.launch.ExitErr = cause.Error()
	if e.launch.EndedAt.IsZero() {
		e.launch.EndedAt = time.Now()
	}
	snap := e.launch
	c.mu.Unlock()

	failure := &LaunchFailedError{Tag: snap.Tag, PID: snap.PID, ExitCode: code, Err: cause}
	if c.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReportTimeout)
		sess, ok, err := c.sessions.Lookup(ctx, snap.Tag)
		switch {
		case err != nil:
			log.Warn().Msgf("spawn.Launch registry lookup failed tag=%s err=%v", snap.Tag, err)
		case ok:
			failure.SessionRegistered = true
			failure.SessionID = sess.ID
			if err := c.sessions.Close(ctx, snap.Tag); err != nil {
				log.Warn().Msgf("spawn.Launch close orphaned session tag=%s session=%s err=%v", snap.Tag, sess.ID, err)
			}
		}
		cancel()
	}
	if failure.SessionID != "" {
		c.mu.Lock()
		e.launch.SessionID = failure.SessionID
		snap = e.launch
		c.mu.Unlock()
	}

	observability.RecordLaunch(outcome, time.Since(begin))
	log.Error().Msgf("spawn.Launch failed tag=%s pid=%d outcome=%s session_registered=%t err=%v",
		snap.Tag, snap.PID, outcome, failure.SessionRegistered, cause)
	c.report(snap)
	return snap, failure
}

func (c *Coordinator) watch(e *launchEntry) {
	defer c.wg.Done()
	err := e.proc.Wait()

	c.mu.Lock()
	e.launch.EndedAt = time.Now()
	e.launch.ExitCode = ExitCode(err)
	if err != nil {
		e.launch.ExitErr = err.Error()
	}
	e.waited = true
	wasRunning := e.launch.State == StateRunning
	if wasRunning {
		e.launch.State = StateExited
	}
	snap := e.launch
	close(e.exited)
	c.mu.Unlock()

	if wasRunning {
		<-e.announced
		c.exitedRunning(snap)
	}
}

// exitedRunning closes the registry entry of a launch that reached running
// and then exited, and reports the exit.
func (c *Coordinator) exitedRunning(snap Launch) {
	log.Info().Msgf("spawn.watch exited tag=%s session=%s pid=%d code=%d", snap.Tag, snap.SessionID, snap.PID, snap.ExitCode)
	if c.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReportTimeout)
		if err := c.sessions.Close(ctx, snap.Tag); err != nil {
			log.Warn().Msgf("spawn.watch close session tag=%s err=%v", snap.Tag, err)
		}
		cancel()
	}
	c.report(snap)
}

func (c *Coordinator) report(l Launch) {
	if c.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReportTimeout)
	defer cancel()
	if err := c.reporter.Report(ctx, reportFor(l)); err != nil {
		log.Warn().Msgf("spawn.report failed tag=%s state=%s err=%v", l.Tag, l.State, err)
	}
}

// SessionStarted records an agent's report. A report for a running launch
// updates its session id, e.g. after the agent re-resolved.
func (c *Coordinator) SessionStarted(s SessionStarted) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tag := strings.TrimSpace(s.Tag)
	c.mu.Lock()
	e, ok := c.byTag[tag]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLaunch, tag)
	}
	switch e.launch.State {
	case StateStarting:
		select {
		case e.started <- s:
		default:
		}
		c.mu.Unlock()
		return nil
	case StateRunning:
		changed := e.launch.SessionID != s.SessionID
		e.launch.SessionID = s.SessionID
		snap := e.launch
		c.mu.Unlock()
		if changed {
			log.Warn().Msgf("spawn.SessionStarted session changed tag=%s session=%s", tag, s.SessionID)
			c.report(snap)
		}
		return nil
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: tag=%s state=%s", ErrLaunchNotActive, tag, e.launch.State)
	}
}

// Get returns the launch for tag.
func (c *Coordinator) Get(tag string) (Launch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byTag[strings.TrimSpace(tag)]
	if !ok {
		return Launch{}, false
	}
	return e.launch, true
}

// List returns every known launch, oldest first.
func (c *Coordinator) List() []Launch {
	c.mu.Lock()
	out := make([]Launch, 0, len(c.byTag))
	for _, e := range c.byTag {
		out = append(out, e.launch)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Tag < out[j].Tag
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stop asks the process with pid to terminate. Exit is observed
// asynchronously and reported like any other exit.
func (c *Coordinator) Stop(pid int) error {
	c.mu.Lock()
	tag, ok := c.byPID[pid]
	var e *launchEntry
	if ok {
		e = c.byTag[tag]
	}
	c.mu.Unlock()
	if e == nil || e.proc == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPID, pid)
	}
	c.mu.Lock()
	state := e.launch.State
	c.mu.Unlock()
	if state.Terminal() {
		return fmt.Errorf("%w: tag=%s state=%s", ErrLaunchNotActive, tag, state)
	}
	log.Info().Msgf("spawn.Stop tag=%s pid=%d", tag, pid)
	return e.proc.Stop()
}

// Close stops every live process and waits for them to exit or ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	procs := make([]Process, 0, len(c.byTag))
	for _, e := range c.byTag {
		if e.proc != nil && !e.launch.State.Terminal() {
			procs = append(procs, e.proc)
		}
	}
	c.mu.Unlock()
	for _, p := range procs {
		_ = p.Stop()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
