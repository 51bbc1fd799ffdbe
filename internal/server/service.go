package server

import (
	"context"
	"time"

	"github.com/romegasoftware/availability/internal/repository"
	"github.com/romegasoftware/availability/internal/service"
)

// Service is the surface of the service layer the HTTP handlers consume.
type Service interface {
	Check(ctx context.Context, subjectType, subjectID string, at time.Time) (service.CheckResult, error)
	UpsertSubject(ctx context.Context, subject repository.Subject) (repository.Subject, error)
	GetSubject(ctx context.Context, subjectType, subjectID string) (repository.Subject, error)
	ListSubjects(ctx context.Context) ([]repository.Subject, error)
	DeleteSubject(ctx context.Context, subjectType, subjectID string) error
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	GetRule(ctx context.Context, id string) (repository.Rule, error)
	ListRules(ctx context.Context, subjectType, subjectID string) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ListEventsSince(ctx context.Context, eventID int64, limit int) ([]repository.RuleEvent, error)
}
