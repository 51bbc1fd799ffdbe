package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/romegasoftware/availability/internal/core"
	"github.com/romegasoftware/availability/internal/repository"
)

// fakeRepo is an in-memory Repository that mirrors the PostgreSQL contract,
// including wrapped pgx.ErrNoRows for missing records and position-based
// ordering for priority ties.
type fakeRepo struct {
	mu       sync.Mutex
	subjects map[string]repository.Subject
	rules    map[string]repository.Rule
	events   []repository.RuleEvent
	position int64
	nextID   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		subjects: make(map[string]repository.Subject),
		rules:    make(map[string]repository.Rule),
	}
}

func (f *fakeRepo) UpsertSubject(_ context.Context, subject repository.Subject) (repository.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subject.UpdatedAt = time.Now()
	f.subjects[subject.SubjectType+"/"+subject.SubjectID] = subject
	return subject, nil
}

func (f *fakeRepo) GetSubject(_ context.Context, subjectType, subjectID string) (repository.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subject, ok := f.subjects[subjectType+"/"+subjectID]
	if !ok {
		return repository.Subject{}, fmt.Errorf("get subject: %w", pgx.ErrNoRows)
	}
	return subject, nil
}

func (f *fakeRepo) ListSubjects(context.Context) ([]repository.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subjects := make([]repository.Subject, 0, len(f.subjects))
	for _, subject := range f.subjects {
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

func (f *fakeRepo) DeleteSubject(_ context.Context, subjectType, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subjectType + "/" + subjectID
	if _, ok := f.subjects[key]; !ok {
		return fmt.Errorf("delete subject: %w", pgx.ErrNoRows)
	}
	delete(f.subjects, key)
	for id, rule := range f.rules {
		if rule.SubjectType == subjectType && rule.SubjectID == subjectID {
			delete(f.rules, id)
		}
	}
	return nil
}

func (f *fakeRepo) CreateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.position++
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule-%d", f.nextID)
	}
	rule.Position = f.position
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeRepo) UpdateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.rules[rule.ID]
	if !ok {
		return repository.Rule{}, fmt.Errorf("update rule: %w", pgx.ErrNoRows)
	}
	rule.SubjectType = existing.SubjectType
	rule.SubjectID = existing.SubjectID
	rule.Position = existing.Position
	rule.UpdatedAt = time.Now()
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeRepo) GetRule(_ context.Context, id string) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok {
		return repository.Rule{}, fmt.Errorf("get rule: %w", pgx.ErrNoRows)
	}
	return rule, nil
}

func (f *fakeRepo) ListRules(_ context.Context, subjectType, subjectID string) ([]repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rulesForLocked(subjectType, subjectID), nil
}

func (f *fakeRepo) ListAllRules(context.Context) ([]repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := make([]repository.Rule, 0, len(f.rules))
	for _, rule := range f.rules {
		rules = append(rules, rule)
	}
	sortRules(rules)
	return rules, nil
}

func (f *fakeRepo) DeleteRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[id]; !ok {
		return fmt.Errorf("delete rule: %w", pgx.ErrNoRows)
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeRepo) ListEventsSince(_ context.Context, eventID int64, limit int) ([]repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]repository.RuleEvent, 0)
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (f *fakeRepo) PublishRuleEvent(_ context.Context, event repository.RuleEvent) (repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.EventID = int64(len(f.events) + 1)
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeRepo) rulesForLocked(subjectType, subjectID string) []repository.Rule {
	rules := make([]repository.Rule, 0)
	for _, rule := range f.rules {
		if rule.SubjectType == subjectType && rule.SubjectID == subjectID {
			rules = append(rules, rule)
		}
	}
	sortRules(rules)
	return rules
}

func sortRules(rules []repository.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Position < rules[j].Position
	})
}

func newTestService(t *testing.T, repo Repository, opts ...Option) *Service {
	t.Helper()
	engine, registry, err := core.EngineConfig{DefaultTimezone: "UTC"}.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	svc, err := New(context.Background(), repo, engine, registry, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func storedSubject(subjectType, subjectID, effect, timezone string) repository.Subject {
	return repository.Subject{
		SubjectType:   subjectType,
		SubjectID:     subjectID,
		DefaultEffect: effect,
		Timezone:      timezone,
	}
}

func storedRule(subjectType, subjectID, ruleType, config, effect string, priority int, enabled bool) repository.Rule {
	return repository.Rule{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		RuleType:    ruleType,
		Config:      json.RawMessage(config),
		Effect:      effect,
		Priority:    priority,
		Enabled:     enabled,
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	engine, registry, err := core.EngineConfig{}.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	if _, err := New(context.Background(), nil, engine, registry); err == nil {
		t.Fatal("New(nil repo) error = nil, want error")
	}
	if _, err := New(context.Background(), newFakeRepo(), nil, registry); err == nil {
		t.Fatal("New(nil engine) error = nil, want error")
	}
}

func TestCheckUnknownSubjectUsesDefaultEffect(t *testing.T) {
	for _, effect := range []core.Effect{core.EffectAllow, core.EffectDeny} {
		svc := newTestService(t, newFakeRepo(), WithDefaultEffect(effect))

		result, err := svc.Check(context.Background(), "venue", "missing", time.Now())
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if result.Available != effect.Allows() {
			t.Fatalf("Check() available = %t, want %t", result.Available, effect.Allows())
		}
	}
}

func TestCheckRequiresSubjectReference(t *testing.T) {
	svc := newTestService(t, newFakeRepo())

	if _, err := svc.Check(context.Background(), "", "v-1", time.Now()); err == nil {
		t.Fatal("Check() with empty type error = nil, want error")
	}
	if _, err := svc.Check(context.Background(), "venue", "  ", time.Now()); err == nil {
		t.Fatal("Check() with blank id error = nil, want error")
	}
}

func TestCheckBusinessHoursEndToEnd(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "deny", "America/New_York"))
	repo.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":[1,2,3,4,5]}`, "allow", 10, true))
	repo.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeTimeOfDay, `{"from":"09:00","to":"17:00"}`, "allow", 20, true))
	repo.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeBlackoutDates, `{"dates":["2025-12-25"]}`, "deny", 80, true))

	svc := newTestService(t, repo)
	nyc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	tests := []struct {
		name   string
		moment time.Time
		want   bool
	}{
		{"open wednesday", time.Date(2025, 6, 4, 13, 0, 0, 0, nyc), true},
		{"closed saturday", time.Date(2025, 6, 7, 13, 0, 0, 0, nyc), false},
		{"closed christmas", time.Date(2025, 12, 25, 13, 0, 0, 0, nyc), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := svc.Check(ctx, "venue", "v-1", test.moment)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if result.Available != test.want {
				t.Fatalf("Check() available = %t, want %t", result.Available, test.want)
			}
		})
	}
}

func TestCheckDisabledRulesAreInert(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "allow", ""))
	repo.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":[1,2,3,4,5,6,7]}`, "deny", 10, false))

	svc := newTestService(t, repo)
	result, err := svc.Check(ctx, "venue", "v-1", time.Now())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Available {
		t.Fatal("Check() available = false, want true: disabled rule must not apply")
	}
}

func TestCheckNonObjectConfigTreatedAsEmpty(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "allow", ""))
	// A weekdays rule with a non-object config can never match, so the
	// default allow stands.
	repo.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `[1,2,3,4,5,6,7]`, "deny", 10, true))

	svc := newTestService(t, repo)
	result, err := svc.Check(ctx, "venue", "v-1", time.Now())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Available {
		t.Fatal("Check() available = false, want true: non-object config normalizes to empty")
	}
}

func TestCheckColdPathLoadsSubjectCreatedAfterStartup(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	ctx := context.Background()

	// Written behind the service's back, after the eager cache load.
	repo.UpsertSubject(ctx, storedSubject("venue", "late", "allow", ""))

	result, err := svc.Check(ctx, "venue", "late", time.Now())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Available {
		t.Fatal("Check() available = false, want true from cold-path subject load")
	}
}

func TestCreateRuleValidation(t *testing.T) {
	repo := newFakeRepo()
	repo.UpsertSubject(context.Background(), storedSubject("venue", "v-1", "deny", ""))
	svc := newTestService(t, repo)

	tests := []struct {
		name    string
		rule    repository.Rule
		wantErr error
	}{
		{
			name:    "unknown rule type",
			rule:    storedRule("venue", "v-1", "phase_of_moon", `{}`, "allow", 0, true),
			wantErr: ErrUnknownRuleType,
		},
		{
			name:    "invalid effect",
			rule:    storedRule("venue", "v-1", core.RuleTypeWeekdays, `{}`, "maybe", 0, true),
			wantErr: ErrInvalidEffect,
		},
		{
			name:    "malformed config json",
			rule:    storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":`, "allow", 0, true),
			wantErr: ErrInvalidConfig,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := svc.CreateRule(context.Background(), test.rule)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("CreateRule() error = %v, want %v", err, test.wantErr)
			}
		})
	}

	t.Run("missing subject reference", func(t *testing.T) {
		_, err := svc.CreateRule(context.Background(), storedRule("", "", core.RuleTypeWeekdays, `{}`, "allow", 0, true))
		if err == nil {
			t.Fatal("CreateRule() error = nil, want error")
		}
	})
}

func TestCreateRuleUpdatesCache(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "deny", ""))
	svc := newTestService(t, repo)

	before, err := svc.Check(ctx, "venue", "v-1", time.Now())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if before.Available {
		t.Fatal("Check() available = true before any rules, want false")
	}

	_, err = svc.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":[1,2,3,4,5,6,7]}`, "allow", 10, true))
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	after, err := svc.Check(ctx, "venue", "v-1", time.Now())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !after.Available {
		t.Fatal("Check() available = false after allow rule, want true")
	}
}

func TestUpdateRuleNotFound(t *testing.T) {
	repo := newFakeRepo()
	repo.UpsertSubject(context.Background(), storedSubject("venue", "v-1", "deny", ""))
	svc := newTestService(t, repo)

	rule := storedRule("venue", "v-1", core.RuleTypeWeekdays, `{}`, "allow", 0, true)
	rule.ID = "missing"
	if _, err := svc.UpdateRule(context.Background(), rule); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("UpdateRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestDeleteRuleRemovesFromEvaluation(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "deny", ""))
	svc := newTestService(t, repo)

	created, err := svc.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":[1,2,3,4,5,6,7]}`, "allow", 10, true))
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	if err := svc.DeleteRule(ctx, created.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}

	result, err := svc.Check(ctx, "venue", "v-1", time.Now())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Available {
		t.Fatal("Check() available = true after rule deletion, want false")
	}

	if err := svc.DeleteRule(ctx, created.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("DeleteRule() second call error = %v, want ErrRuleNotFound", err)
	}
}

func TestUpsertSubjectValidation(t *testing.T) {
	svc := newTestService(t, newFakeRepo())

	if _, err := svc.UpsertSubject(context.Background(), storedSubject("venue", "v-1", "sometimes", "")); !errors.Is(err, ErrInvalidEffect) {
		t.Fatalf("UpsertSubject() error = %v, want ErrInvalidEffect", err)
	}
	if _, err := svc.UpsertSubject(context.Background(), storedSubject("venue", "v-1", "allow", "Mars/Olympus")); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("UpsertSubject() error = %v, want ErrInvalidTimezone", err)
	}
	if _, err := svc.UpsertSubject(context.Background(), storedSubject("", "", "allow", "")); err == nil {
		t.Fatal("UpsertSubject() error = nil, want error for missing reference")
	}
}

func TestDeleteSubjectClearsRules(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "allow", ""))
	repo.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":[1]}`, "deny", 10, true))
	svc := newTestService(t, repo)

	if err := svc.DeleteSubject(ctx, "venue", "v-1"); err != nil {
		t.Fatalf("DeleteSubject() error = %v", err)
	}
	rules, err := svc.ListRules(ctx, "venue", "v-1")
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("ListRules() after DeleteSubject returned %d rules, want 0", len(rules))
	}
	if err := svc.DeleteSubject(ctx, "venue", "v-1"); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("DeleteSubject() second call error = %v, want ErrSubjectNotFound", err)
	}
}

func TestListSubjectsSorted(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-2", "allow", ""))
	repo.UpsertSubject(ctx, storedSubject("room", "r-1", "allow", ""))
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "allow", ""))

	svc := newTestService(t, repo)
	subjects, err := svc.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("ListSubjects() error = %v", err)
	}

	got := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		got = append(got, subject.SubjectType+"/"+subject.SubjectID)
	}
	want := []string{"room/r-1", "venue/v-1", "venue/v-2"}
	if len(got) != len(want) {
		t.Fatalf("ListSubjects() returned %d subjects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListSubjects()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMutationsPublishEvents(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "deny", ""))
	svc := newTestService(t, repo)

	created, err := svc.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":[1]}`, "allow", 0, true))
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if err := svc.DeleteRule(ctx, created.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.events) != 2 {
		t.Fatalf("published %d events, want 2", len(repo.events))
	}
	if repo.events[0].EventType != EventTypeUpdated || repo.events[1].EventType != EventTypeDeleted {
		t.Fatalf("event types = %q, %q; want updated, deleted", repo.events[0].EventType, repo.events[1].EventType)
	}
}

func TestListEventsSince(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.UpsertSubject(ctx, storedSubject("venue", "v-1", "deny", ""))
	svc := newTestService(t, repo)

	created, err := svc.CreateRule(ctx, storedRule("venue", "v-1", core.RuleTypeWeekdays, `{"days":[1]}`, "allow", 0, true))
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if err := svc.DeleteRule(ctx, created.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}

	events, err := svc.ListEventsSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListEventsSince() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEventsSince() returned %d events, want 2", len(events))
	}

	tail, err := svc.ListEventsSince(ctx, events[0].EventID, 10)
	if err != nil {
		t.Fatalf("ListEventsSince() error = %v", err)
	}
	if len(tail) != 1 || tail[0].EventType != EventTypeDeleted {
		t.Fatalf("ListEventsSince() tail = %+v, want single deleted event", tail)
	}
}
