package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgesession/internal/channel"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/danmuck/edgesession/internal/registry"
	"github.com/danmuck/edgesession/internal/spawn"
	"github.com/rs/zerolog/log"
)

// Reporter delivers the session-started callback, normally *daemon.Client.
type Reporter interface {
	SessionStarted(ctx context.Context, s spawn.SessionStarted) error
}

// Handler consumes one user message. Errors are logged and do not stop the
// agent.
type Handler func(ctx context.Context, ch *channel.Channel, msg channel.QueuedMessage) error

// Config configures an agent runtime.
type Config struct {
	// UpdatesURL is the relay websocket endpoint.
	UpdatesURL string
	Token      string
	MachineID  string
	Session    session.Config
	// MaxConnectAttempts stops the agent after this many consecutive failed
	// connects; 0 retries forever.
	MaxConnectAttempts int
	ReportTimeout      time.Duration
	// Backlog, normally the relay client, is read after each connect for
	// messages posted while the agent was away.
	Backlog channel.Backlog
}

// Runtime is the launched-process side: resolve the session for the
// injected tag, connect, report, consume, and reconnect after re-resolving.
type Runtime struct {
	cfg      Config
	env      Env
	tag      string
	registry *registry.Registry
	reporter Reporter
	handler  Handler
	dialer   channel.Dialer
	rng      *rand.Rand

	// ready, when set, receives the channel once the first connect succeeds.
	ready chan<- *channel.Channel
}

// New builds a runtime. reporter may be nil when no daemon is involved.
func New(cfg Config, env Env, reg *registry.Registry, reporter Reporter, handler Handler) (*Runtime, error) {
	if strings.TrimSpace(cfg.UpdatesURL) == "" {
		return nil, fmt.Errorf("agent: relay updates url is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("agent: registry is required")
	}
	if handler == nil {
		handler = LogHandler
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Runtime{
		cfg:      cfg,
		env:      env,
		tag:      env.ResolvedTag(),
		registry: reg,
		reporter: reporter,
		handler:  handler,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (r *Runtime) Tag() string {
	return r.tag
}

// Run blocks until ctx ends or the agent gives up. The session is marked
// closed in the registry on the way out.
func (r *Runtime) Run(ctx context.Context) error {
	log.Info().Msgf("agent.Run tag=%s hint=%s", r.tag, r.env.Hint)
	var (
		ch       *channel.Channel
		consumer <-chan struct{}
		reported string
		attempt  int
	)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer func() {
		stopConsume()
		if ch != nil {
			_ = ch.Close()
		}
		if consumer != nil {
			<-consumer
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ReportTimeout)
		defer cancel()
		if err := r.registry.Close(closeCtx, r.tag); err != nil {
			log.Warn().Msgf("agent.Run close session tag=%s err=%v", r.tag, err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		sess, err := r.registry.ResolveOrCreate(ctx, r.tag, r.env.Hint)
		if err != nil {
			var conflict *registry.RegistryConflictError
			if errors.As(err, &conflict) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			log.Warn().Msgf("agent.Run resolve failed tag=%s attempt=%d err=%v", r.tag, attempt, err)
			if r.exhausted(attempt) {
				return fmt.Errorf("agent: resolve tag=%s: %w", r.tag, err)
			}
			if err := session.SleepBackoff(ctx, r.cfg.Session.Backoff, attempt, r.rng); err != nil {
				return nil
			}
			continue
		}

		if ch != nil && ch.SessionID() != sess.ID {
			// The tag now names another session; the old channel and its
			// queue belong to a session nobody addresses anymore.
			log.Error().Msgf("agent.Run session changed tag=%s old=%s new=%s", r.tag, ch.SessionID(), sess.ID)
			stopConsume()
			_ = ch.Close()
			<-consumer
			consumeCtx, stopConsume = context.WithCancel(ctx)
			ch, consumer = nil, nil
		}
		if ch == nil {
			ch, err = r.newChannel(sess)
			if err != nil {
				return err
			}
			current, cctx := ch, consumeCtx
			consumer = ch.OnUserMessage(cctx, func(msg channel.QueuedMessage) {
				if err := r.handler(cctx, current, msg); err != nil {
					log.Warn().Msgf("agent.handle tag=%s message=%s err=%v", r.tag, msg.MessageID, err)
				}
				if msg.RelaySeq > 0 {
					if err := r.registry.Advance(cctx, r.tag, msg.RelaySeq); err != nil {
						log.Debug().Msgf("agent.advance tag=%s seq=%d err=%v", r.tag, msg.RelaySeq, err)
					}
				}
			})
		}

		r.setState(ctx, registry.StateConnecting)
		err = ch.Connect(ctx, channel.Credentials{SessionID: sess.ID, Token: r.cfg.Token, MachineID: r.cfg.MachineID})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			log.Warn().Msgf("agent.Run connect failed tag=%s session=%s attempt=%d err=%v", r.tag, sess.ID, attempt, err)
			if r.exhausted(attempt) {
				return err
			}
			if err := session.SleepBackoff(ctx, r.cfg.Session.Backoff, attempt, r.rng); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		r.setState(ctx, registry.StateConnected)
		if reported != sess.ID {
			r.report(ctx, sess.ID)
			reported = sess.ID
		}
		if r.ready != nil {
			select {
			case r.ready <- ch:
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ch.Done():
			log.Warn().Msgf("agent.Run connection lost tag=%s session=%s; re-resolving", r.tag, sess.ID)
		}
	}
}

func (r *Runtime) newChannel(sess registry.Session) (*channel.Channel, error) {
	ch, err := channel.New(sess, channel.Options{
		URL:         r.cfg.UpdatesURL,
		Config:      r.cfg.Session,
		Dialer:      r.dialer,
		Backlog:     r.cfg.Backlog,
		ResumeAfter: sess.LastSeq,
	})
	if err != nil {
		return nil, err
	}
	ch.OnMetadata(func(m channel.MetadataUpdate) {
		if m.Metadata == nil {
			return
		}
		log.Info().Msgf("agent.metadata session=%s version=%d path=%s state=%s",
			m.SessionID, m.Version, m.Metadata.Path, m.Metadata.LifecycleState)
	})
	ch.OnUnknown(func(ev session.UpdateEvent) {
		log.Info().Msgf("agent.unknown session=%s event=%s", sess.ID, ev.ID)
	})
	ch.OnError(func(err error) {
		var malformed *channel.MalformedMessageError
		if errors.As(err, &malformed) {
			log.Error().Msgf("agent.malformed session=%s stage=%s message=%s err=%v",
				malformed.SessionID, malformed.Stage, malformed.MessageID, malformed.Err)
			return
		}
		var ackTimeout *channel.AckTimeoutError
		if errors.As(err, &ackTimeout) {
			// The socket is up but the relay stopped acking; drop it so Run
			// re-resolves and reconnects.
			log.Warn().Msgf("agent.channel session=%s local_id=%s ack timeout; reconnecting", sess.ID, ackTimeout.LocalID)
			ch.Disconnect()
			return
		}
		log.Warn().Msgf("agent.channel session=%s err=%v", sess.ID, err)
	})
	return ch, nil
}

func (r *Runtime) exhausted(attempt int) bool {
	return r.cfg.MaxConnectAttempts > 0 && attempt >= r.cfg.MaxConnectAttempts
}

func (r *Runtime) setState(ctx context.Context, state registry.State) {
	if _, err := r.registry.SetState(ctx, r.tag, state); err != nil {
		log.Debug().Msgf("agent.setState tag=%s state=%s err=%v", r.tag, state, err)
	}
}

func (r *Runtime) report(ctx context.Context, sessionID string) {
	if r.reporter == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(ctx, r.cfg.ReportTimeout)
	defer cancel()
	err := r.reporter.SessionStarted(reportCtx, spawn.SessionStarted{
		Tag:       r.tag,
		SessionID: sessionID,
		PID:       os.Getpid(),
	})
	if err != nil {
		log.Warn().Msgf("agent.report session-started tag=%s session=%s err=%v", r.tag, sessionID, err)
		return
	}
	log.Info().Msgf("agent.report session-started tag=%s session=%s", r.tag, sessionID)
}

// LogHandler logs each message.
func LogHandler(_ context.Context, ch *channel.Channel, msg channel.QueuedMessage) error {
	log.Info().Msgf("agent.message session=%s seq=%d id=%s text=%q",
		ch.SessionID(), msg.Seq, msg.MessageID, msg.Message.Content.Text)
	return nil
}

// EchoHandler sends every message's text back prefixed with "echo: ".
func EchoHandler(ctx context.Context, ch *channel.Channel, msg channel.QueuedMessage) error {
	_ = LogHandler(ctx, ch, msg)
	reply := msg.Message
	reply.Content.Text = "echo: " + msg.Message.Content.Text
	reply.LocalKey = ""
	_, err := ch.SendMessage(ctx, reply)
	return err
}
