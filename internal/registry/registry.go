package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/observability"
	"github.com/danmuck/edgesession/internal/relay"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Authority is the remote owner of session ids and material.
type Authority interface {
	FetchSession(ctx context.Context, id string) (relay.SessionRecord, error)
	CreateSession(ctx context.Context, tag string, m cipher.Material) (relay.SessionRecord, error)
}

// RegistryConflictError reports a tag bound to a different session than the
// one this resolver produced. It should be unreachable; seeing it means the
// store's insert-if-absent guarantee was broken.
type RegistryConflictError struct {
	Tag      string
	Stored   string
	Resolved string
}

func (e *RegistryConflictError) Error() string {
	return fmt.Sprintf("registry: conflict for tag %q: stored=%s resolved=%s", e.Tag, e.Stored, e.Resolved)
}

// Config controls how new sessions are minted.
type Config struct {
	Variant cipher.Variant
}

// Registry resolves tags into sessions, at most one per tag.
type Registry struct {
	store     Store
	authority Authority
	cfg       Config
	group     singleflight.Group
	now       func() time.Time
	newMat    func(cipher.Variant) (cipher.Material, error)

	// mu serializes this process's read-modify-write updates.
	mu sync.Mutex
}

func New(store Store, authority Authority, cfg Config) *Registry {
	if cfg.Variant == "" {
		cfg.Variant = cipher.VariantDataKey
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{
		store:     store,
		authority: authority,
		cfg:       cfg,
		now:       time.Now,
		newMat:    cipher.NewMaterial,
	}
}

func (r *Registry) Store() Store {
	return r.store
}

// ResolveOrCreate returns the session for tag. An existing entry always wins;
// otherwise the hinted session is joined unless another tag already holds it,
// and failing that a new session is created. Concurrent calls for one tag
// share a single attempt.
func (r *Registry) ResolveOrCreate(ctx context.Context, tag, hint string) (Session, error) {
	tag = strings.TrimSpace(tag)
	hint = strings.TrimSpace(hint)
	if tag == "" {
		return Session{}, ErrEmptyTag
	}

	v, err, shared := r.group.Do(tag, func() (any, error) {
		return r.resolve(ctx, tag, hint)
	})
	if err != nil {
		observability.RecordResolution("error")
		return Session{}, err
	}
	s := v.(Session)
	if shared {
		log.Debug().Msgf("registry.ResolveOrCreate shared tag=%s id=%s", tag, s.ID)
	}
	s.Material = s.Material.Clone()
	return s, nil
}

func (r *Registry) resolve(ctx context.Context, tag, hint string) (Session, error) {
	existing, ok, err := r.store.Get(ctx, tag)
	if err != nil {
		return Session{}, err
	}
	if ok {
		observability.RecordResolution("store")
		return r.reopen(ctx, existing)
	}
	if r.authority == nil {
		return Session{}, fmt.Errorf("registry: no authority configured for tag %q", tag)
	}

	if hint != "" {
		owner, err := r.owner(ctx, hint)
		if err != nil {
			return Session{}, err
		}
		if owner != "" {
			log.Warn().Msgf("registry.ResolveOrCreate hint bound elsewhere tag=%s hint=%s owner=%s", tag, hint, owner)
			hint = ""
		}
	}
	if hint != "" {
		rec, err := r.authority.FetchSession(ctx, hint)
		if err == nil {
			s, err := r.register(ctx, tag, rec)
			if err == nil {
				observability.RecordResolution("hint")
				log.Info().Msgf("registry.ResolveOrCreate joined tag=%s id=%s", tag, s.ID)
			}
			return s, err
		}
		if ctx.Err() != nil {
			return Session{}, ctx.Err()
		}
		log.Warn().Msgf("registry.ResolveOrCreate hint unavailable tag=%s hint=%s err=%v", tag, hint, err)
	}

	material, err := r.newMat(r.cfg.Variant)
	if err != nil {
		return Session{}, fmt.Errorf("registry: mint material: %w", err)
	}
	rec, err := r.authority.CreateSession(ctx, tag, material)
	if err != nil {
		return Session{}, fmt.Errorf("registry: create session for tag %q: %w", tag, err)
	}
	s, err := r.register(ctx, tag, rec)
	if err == nil {
		observability.RecordResolution("created")
		log.Info().Msgf("registry.ResolveOrCreate created tag=%s id=%s", tag, s.ID)
	}
	return s, err
}

// owner returns the tag whose entry holds session id, or "".
func (r *Registry) owner(ctx context.Context, id string) (string, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range all {
		if s.ID == id {
			return s.Tag, nil
		}
	}
	return "", nil
}

// register inserts rec under tag. Losing the insert to a different session is
// a RegistryConflictError, never a silent pick.
func (r *Registry) register(ctx context.Context, tag string, rec relay.SessionRecord) (Session, error) {
	now := r.now()
	candidate := Session{
		ID:        rec.ID,
		Tag:       tag,
		Material:  rec.Material.Clone(),
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, inserted, err := r.store.PutIfAbsent(ctx, candidate)
	if err != nil {
		return Session{}, err
	}
	if inserted || stored.SameIdentity(candidate) {
		return stored, nil
	}
	observability.RecordResolution("conflict")
	log.Error().Msgf("registry.register conflict tag=%s stored=%s resolved=%s", tag, stored.ID, rec.ID)
	return Session{}, &RegistryConflictError{Tag: tag, Stored: stored.ID, Resolved: rec.ID}
}

// reopen moves a closed entry back to created; identity is unchanged.
func (r *Registry) reopen(ctx context.Context, s Session) (Session, error) {
	if s.State != StateClosed {
		return s, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.State = StateCreated
	s.UpdatedAt = r.now()
	if err := r.store.Update(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Lookup returns the stored session for tag without resolving.
func (r *Registry) Lookup(ctx context.Context, tag string) (Session, bool, error) {
	return r.store.Get(ctx, strings.TrimSpace(tag))
}

// SetState records a lifecycle step for the session bound to tag.
func (r *Registry) SetState(ctx context.Context, tag string, state State) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok, err := r.store.Get(ctx, strings.TrimSpace(tag))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("%w: tag %q", ErrNotFound, tag)
	}
	if !CanTransition(s.State, state) {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, state)
	}
	if s.State == state {
		return s, nil
	}
	s.State = state
	s.UpdatedAt = r.now()
	if err := r.store.Update(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Advance records that messages up to seq were consumed for tag. The cursor
// never moves backwards.
func (r *Registry) Advance(ctx context.Context, tag string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok, err := r.store.Get(ctx, strings.TrimSpace(tag))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: tag %q", ErrNotFound, tag)
	}
	if seq <= s.LastSeq {
		return nil
	}
	s.LastSeq = seq
	s.UpdatedAt = r.now()
	return r.store.Update(ctx, s)
}

// Close marks the session for tag closed. Closing an unknown tag is a no-op.
func (r *Registry) Close(ctx context.Context, tag string) error {
	_, err := r.SetState(ctx, tag, StateClosed)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (r *Registry) List(ctx context.Context) ([]Session, error) {
	return r.store.List(ctx)
}
