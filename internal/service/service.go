// Package service layers an in-memory snapshot cache and mutation validation
// over the repository, and runs the availability engine against cached
// subject snapshots.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/romegasoftware/availability/internal/core"
	"github.com/romegasoftware/availability/internal/repository"
)

const (
	EventTypeUpdated      = "updated"
	EventTypeDeleted      = "deleted"
	bestEffortTimeout     = 2 * time.Second
	cacheResyncInterval   = time.Minute
	cacheReloadTimeout    = 5 * time.Second
	defaultEventBatchSize = 100
	maxEventBatchSize     = 1000
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrUnknownRuleType = errors.New("unknown rule type")
	ErrInvalidEffect   = errors.New("invalid effect")
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrInvalidConfig   = errors.New("invalid config")
)

// Repository is the persistence surface the service consumes.
type Repository interface {
	UpsertSubject(ctx context.Context, subject repository.Subject) (repository.Subject, error)
	GetSubject(ctx context.Context, subjectType, subjectID string) (repository.Subject, error)
	ListSubjects(ctx context.Context) ([]repository.Subject, error)
	DeleteSubject(ctx context.Context, subjectType, subjectID string) error
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	GetRule(ctx context.Context, id string) (repository.Rule, error)
	ListRules(ctx context.Context, subjectType, subjectID string) ([]repository.Rule, error)
	ListAllRules(ctx context.Context) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error)
	ListEventsSince(ctx context.Context, eventID int64, limit int) ([]repository.RuleEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// CheckResult is the outcome of an availability check.
type CheckResult struct {
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	At          time.Time `json:"at"`
	Available   bool      `json:"available"`
}

type subjectSnapshot struct {
	subject repository.Subject
	known   bool
	rules   []repository.Rule
}

// Service wires the engine to persisted subjects and rules through an eagerly
// loaded cache, and validates mutations before they reach the repository.
type Service struct {
	repo          Repository
	engine        *core.Engine
	registry      *core.Registry
	defaultEffect core.Effect
	logger        *slog.Logger

	resyncInterval     time.Duration
	onCacheLoad        func()
	onCacheInvalidated func()
	setCacheSize       func(subjects, rules float64)

	mu       sync.RWMutex
	subjects map[string]repository.Subject
	rules    map[string][]repository.Rule
}

// Option configures optional service behavior.
type Option func(*Service)

// WithLogger sets the logger used for background cache maintenance.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultEffect sets the fallback effect for subjects that have no stored
// policy metadata.
func WithDefaultEffect(effect core.Effect) Option {
	return func(s *Service) { s.defaultEffect = effect }
}

// WithCacheResyncInterval overrides the safety-net cache refresh interval.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithCacheMetrics registers callbacks for cache loads, invalidations, and
// size updates.
func WithCacheMetrics(onLoad, onInvalidated func(), setSize func(subjects, rules float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidated = onInvalidated
		s.setCacheSize = setSize
	}
}

// New creates a service, eagerly loads the snapshot cache, and, when the
// repository supports it, starts the NOTIFY-driven invalidation listener.
func New(ctx context.Context, repo Repository, engine *core.Engine, registry *core.Registry, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if engine == nil || registry == nil {
		return nil, errors.New("engine and registry are required")
	}

	svc := &Service{
		repo:           repo,
		engine:         engine,
		registry:       registry,
		defaultEffect:  core.EffectDeny,
		logger:         slog.Default(),
		resyncInterval: cacheResyncInterval,
		subjects:       make(map[string]repository.Subject),
		rules:          make(map[string][]repository.Rule),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the cached subjects and rules with a fresh load from
// the repository.
func (s *Service) LoadCache(ctx context.Context) error {
	subjects, err := s.repo.ListSubjects(ctx)
	if err != nil {
		return fmt.Errorf("load subjects: %w", err)
	}
	rules, err := s.repo.ListAllRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	nextSubjects := make(map[string]repository.Subject, len(subjects))
	for _, subject := range subjects {
		nextSubjects[subjectKey(subject.SubjectType, subject.SubjectID)] = subject
	}

	nextRules := make(map[string][]repository.Rule)
	for _, rule := range rules {
		key := subjectKey(rule.SubjectType, rule.SubjectID)
		nextRules[key] = append(nextRules[key], rule)
	}

	s.mu.Lock()
	s.subjects = nextSubjects
	s.rules = nextRules
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	s.publishCacheSize()

	return nil
}

// Check reports whether the identified subject is available at the given
// moment. Subjects without stored policy metadata fall back to the configured
// default effect and zone.
func (s *Service) Check(ctx context.Context, subjectType, subjectID string, at time.Time) (CheckResult, error) {
	if strings.TrimSpace(subjectType) == "" || strings.TrimSpace(subjectID) == "" {
		return CheckResult{}, errors.New("subject type and id are required")
	}

	snapshot, err := s.snapshotFor(ctx, subjectType, subjectID)
	if err != nil {
		return CheckResult{}, err
	}

	available := s.engine.IsAvailable(s.buildSubject(subjectType, snapshot), at)
	return CheckResult{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		At:          at,
		Available:   available,
	}, nil
}

func (s *Service) snapshotFor(ctx context.Context, subjectType, subjectID string) (subjectSnapshot, error) {
	key := subjectKey(subjectType, subjectID)

	s.mu.RLock()
	subject, known := s.subjects[key]
	rules, cached := s.rules[key]
	s.mu.RUnlock()

	if known || cached {
		return subjectSnapshot{subject: subject, known: known, rules: rules}, nil
	}

	// Cold path: the cache may have been loaded before this subject existed.
	stored, err := s.repo.GetSubject(ctx, subjectType, subjectID)
	switch {
	case err == nil:
		storedRules, err := s.repo.ListRules(ctx, subjectType, subjectID)
		if err != nil {
			return subjectSnapshot{}, fmt.Errorf("list rules: %w", err)
		}
		s.mu.Lock()
		s.subjects[key] = stored
		s.rules[key] = storedRules
		s.mu.Unlock()
		return subjectSnapshot{subject: stored, known: true, rules: storedRules}, nil
	case errors.Is(err, pgx.ErrNoRows):
		return subjectSnapshot{}, nil
	default:
		return subjectSnapshot{}, fmt.Errorf("get subject: %w", err)
	}
}

// buildSubject converts a cached snapshot into the engine's Subject contract:
// enabled rules only, already in priority order, effects and configs decoded.
func (s *Service) buildSubject(subjectType string, snapshot subjectSnapshot) *policySubject {
	defaultEffect := s.defaultEffect
	timezone := ""
	if snapshot.known {
		if effect, err := core.ParseEffect(snapshot.subject.DefaultEffect); err == nil {
			defaultEffect = effect
		}
		timezone = snapshot.subject.Timezone
	}

	rules := make([]core.Rule, 0, len(snapshot.rules))
	for _, stored := range snapshot.rules {
		if !stored.Enabled {
			continue
		}
		effect, err := core.ParseEffect(stored.Effect)
		if err != nil {
			effect = core.EffectDeny
		}
		rules = append(rules, core.Rule{
			Type:     stored.RuleType,
			Config:   decodeRuleConfig(stored.Config),
			Effect:   effect,
			Priority: stored.Priority,
			Enabled:  true,
		})
	}

	return &policySubject{
		class:         subjectType,
		rules:         rules,
		defaultEffect: defaultEffect,
		timezone:      timezone,
	}
}

// policySubject is the core.Subject snapshot handed to the engine.
type policySubject struct {
	class         string
	rules         []core.Rule
	defaultEffect core.Effect
	timezone      string
}

func (s *policySubject) AvailabilityRules() []core.Rule { return s.rules }
func (s *policySubject) DefaultEffect() core.Effect     { return s.defaultEffect }
func (s *policySubject) Timezone() string               { return s.timezone }
func (s *policySubject) ClassName() string              { return s.class }

// decodeRuleConfig returns the stored config as a mapping; anything that is
// not a JSON object decodes to nil, which the engine treats as empty.
func decodeRuleConfig(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var config map[string]any
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil
	}
	return config
}

// UpsertSubject validates and stores a subject's policy metadata.
func (s *Service) UpsertSubject(ctx context.Context, subject repository.Subject) (repository.Subject, error) {
	if strings.TrimSpace(subject.SubjectType) == "" || strings.TrimSpace(subject.SubjectID) == "" {
		return repository.Subject{}, errors.New("subject type and id are required")
	}
	if _, err := core.ParseEffect(subject.DefaultEffect); err != nil {
		return repository.Subject{}, fmt.Errorf("%w: %v", ErrInvalidEffect, err)
	}
	if subject.Timezone != "" {
		if _, err := time.LoadLocation(subject.Timezone); err != nil {
			return repository.Subject{}, fmt.Errorf("%w: %v", ErrInvalidTimezone, err)
		}
	}

	stored, err := s.repo.UpsertSubject(ctx, subject)
	if err != nil {
		return repository.Subject{}, fmt.Errorf("upsert subject: %w", err)
	}

	s.setCachedSubject(stored)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, stored.SubjectType, stored.SubjectID, stored)

	return stored, nil
}

// GetSubject returns a subject's policy metadata.
func (s *Service) GetSubject(ctx context.Context, subjectType, subjectID string) (repository.Subject, error) {
	s.mu.RLock()
	subject, ok := s.subjects[subjectKey(subjectType, subjectID)]
	s.mu.RUnlock()
	if ok {
		return subject, nil
	}

	subject, err := s.repo.GetSubject(ctx, subjectType, subjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Subject{}, ErrSubjectNotFound
		}
		return repository.Subject{}, fmt.Errorf("get subject: %w", err)
	}

	s.setCachedSubject(subject)
	return subject, nil
}

// ListSubjects returns all cached subjects ordered by type and ID.
func (s *Service) ListSubjects(_ context.Context) ([]repository.Subject, error) {
	s.mu.RLock()
	subjects := make([]repository.Subject, 0, len(s.subjects))
	for _, subject := range s.subjects {
		subjects = append(subjects, subject)
	}
	s.mu.RUnlock()

	sort.Slice(subjects, func(i, j int) bool {
		if subjects[i].SubjectType != subjects[j].SubjectType {
			return subjects[i].SubjectType < subjects[j].SubjectType
		}
		return subjects[i].SubjectID < subjects[j].SubjectID
	})

	return subjects, nil
}

// DeleteSubject removes a subject and its rules.
func (s *Service) DeleteSubject(ctx context.Context, subjectType, subjectID string) error {
	if err := s.repo.DeleteSubject(ctx, subjectType, subjectID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedSubject(subjectType, subjectID)
			return ErrSubjectNotFound
		}
		return fmt.Errorf("delete subject: %w", err)
	}

	s.deleteCachedSubject(subjectType, subjectID)
	s.publishRuleEventBestEffort(ctx, EventTypeDeleted, subjectType, subjectID, nil)

	return nil
}

// CreateRule validates and stores a new availability rule.
func (s *Service) CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error) {
	if err := s.validateRule(rule); err != nil {
		return repository.Rule{}, err
	}

	created, err := s.repo.CreateRule(ctx, rule)
	if err != nil {
		return repository.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	s.reloadSubjectRules(ctx, created.SubjectType, created.SubjectID)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, created.SubjectType, created.SubjectID, created)

	return created, nil
}

// UpdateRule validates and stores changes to an existing rule.
func (s *Service) UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		return repository.Rule{}, errors.New("rule id is required")
	}
	if err := s.validateRule(rule); err != nil {
		return repository.Rule{}, err
	}

	updated, err := s.repo.UpdateRule(ctx, rule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Rule{}, ErrRuleNotFound
		}
		return repository.Rule{}, fmt.Errorf("update rule: %w", err)
	}

	s.reloadSubjectRules(ctx, updated.SubjectType, updated.SubjectID)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, updated.SubjectType, updated.SubjectID, updated)

	return updated, nil
}

// GetRule returns a rule by ID.
func (s *Service) GetRule(ctx context.Context, id string) (repository.Rule, error) {
	if strings.TrimSpace(id) == "" {
		return repository.Rule{}, errors.New("rule id is required")
	}

	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Rule{}, ErrRuleNotFound
		}
		return repository.Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules returns a subject's rules in evaluation order, disabled included.
func (s *Service) ListRules(ctx context.Context, subjectType, subjectID string) ([]repository.Rule, error) {
	key := subjectKey(subjectType, subjectID)

	s.mu.RLock()
	rules, ok := s.rules[key]
	s.mu.RUnlock()
	if ok {
		return append([]repository.Rule(nil), rules...), nil
	}

	rules, err := s.repo.ListRules(ctx, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// DeleteRule removes a rule by ID.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	existing, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}

	s.reloadSubjectRules(ctx, existing.SubjectType, existing.SubjectID)
	s.publishRuleEventBestEffort(ctx, EventTypeDeleted, existing.SubjectType, existing.SubjectID, existing)

	return nil
}

// ListEventsSince returns the rule change feed after the given event ID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64, limit int) ([]repository.RuleEvent, error) {
	if limit <= 0 {
		limit = defaultEventBatchSize
	}
	if limit > maxEventBatchSize {
		limit = maxEventBatchSize
	}

	events, err := s.repo.ListEventsSince(ctx, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) validateRule(rule repository.Rule) error {
	if strings.TrimSpace(rule.SubjectType) == "" || strings.TrimSpace(rule.SubjectID) == "" {
		return errors.New("subject type and id are required")
	}
	if s.registry.Get(rule.RuleType) == nil {
		return fmt.Errorf("%w: %q", ErrUnknownRuleType, rule.RuleType)
	}
	if _, err := core.ParseEffect(rule.Effect); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEffect, err)
	}
	if len(rule.Config) > 0 {
		var config any
		if err := json.Unmarshal(rule.Config, &config); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (s *Service) setCachedSubject(subject repository.Subject) {
	s.mu.Lock()
	s.subjects[subjectKey(subject.SubjectType, subject.SubjectID)] = subject
	s.mu.Unlock()
	s.publishCacheSize()
}

func (s *Service) deleteCachedSubject(subjectType, subjectID string) {
	key := subjectKey(subjectType, subjectID)
	s.mu.Lock()
	delete(s.subjects, key)
	delete(s.rules, key)
	s.mu.Unlock()
	s.publishCacheSize()
}

// reloadSubjectRules refreshes one subject's rule list from the repository so
// the cache keeps the server-assigned ordering.
func (s *Service) reloadSubjectRules(ctx context.Context, subjectType, subjectID string) {
	rules, err := s.repo.ListRules(ctx, subjectType, subjectID)
	if err != nil {
		s.logger.Warn("reload subject rules failed", "subject_type", subjectType, "subject_id", subjectID, "error", err)
		return
	}

	s.mu.Lock()
	s.rules[subjectKey(subjectType, subjectID)] = rules
	s.mu.Unlock()
	s.publishCacheSize()
}

func (s *Service) publishCacheSize() {
	if s.setCacheSize == nil {
		return
	}

	s.mu.RLock()
	subjects := len(s.subjects)
	rules := 0
	for _, list := range s.rules {
		rules += len(list)
	}
	s.mu.RUnlock()

	s.setCacheSize(float64(subjects), float64(rules))
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidated != nil {
					s.onCacheInvalidated()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.Warn("cache reload failed", "error", err)
	}
}

func (s *Service) publishRuleEventBestEffort(ctx context.Context, eventType, subjectType, subjectID string, payload any) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishRuleEvent(publishCtx, eventType, subjectType, subjectID, payload); err != nil {
		s.logger.Warn("publish rule event failed", "event_type", eventType, "error", err)
	}
}

func (s *Service) publishRuleEvent(ctx context.Context, eventType, subjectType, subjectID string, payload any) error {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishRuleEvent(ctx, repository.RuleEvent{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		EventType:   eventType,
		Payload:     serialized,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func subjectKey(subjectType, subjectID string) string {
	return subjectType + "/" + subjectID
}
