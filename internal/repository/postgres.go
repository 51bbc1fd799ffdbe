// Package repository provides PostgreSQL-backed persistence for subjects,
// availability rules, and API keys. It also handles LISTEN/NOTIFY-based cache
// invalidation so the service layer stays fresh without polling the database
// into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const defaultNotifyChannel = "availability_rule_events"

// Subject is the repository-level representation of a subject row: the
// policy metadata attached to an external entity identified by type and ID.
type Subject struct {
	SubjectType   string    `json:"subject_type"`
	SubjectID     string    `json:"subject_id"`
	DefaultEffect string    `json:"default_effect"`
	Timezone      string    `json:"timezone,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Rule is the repository-level representation of an availability rule row.
// Position is a server-assigned insertion counter used to keep priority ties
// stable.
type Rule struct {
	ID          string          `json:"id"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	RuleType    string          `json:"rule_type"`
	Config      json.RawMessage `json:"config"`
	Effect      string          `json:"effect"`
	Priority    int             `json:"priority"`
	Enabled     bool            `json:"enabled"`
	Position    int64           `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RuleEvent represents a change event for a subject's rules, stored in the
// rule_events table and used to drive cache invalidation.
type RuleEvent struct {
	EventID     int64           `json:"event_id"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository implements subject, rule, and API key persistence backed
// by a pgxpool connection pool. It also supports LISTEN/NOTIFY for real-time
// cache invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for rule event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// UpsertSubject inserts or updates a subject's policy metadata and returns
// the stored record with server-generated timestamps.
func (r *PostgresRepository) UpsertSubject(ctx context.Context, subject Subject) (Subject, error) {
	var stored Subject
	err := r.pool.QueryRow(ctx, `
		INSERT INTO subjects (subject_type, subject_id, default_effect, timezone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_type, subject_id)
		DO UPDATE SET default_effect = EXCLUDED.default_effect,
		              timezone = EXCLUDED.timezone,
		              updated_at = NOW()
		RETURNING subject_type, subject_id, default_effect, timezone, created_at, updated_at
	`,
		subject.SubjectType,
		subject.SubjectID,
		subject.DefaultEffect,
		subject.Timezone,
	).Scan(
		&stored.SubjectType,
		&stored.SubjectID,
		&stored.DefaultEffect,
		&stored.Timezone,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return Subject{}, fmt.Errorf("upsert subject: %w", err)
	}

	return stored, nil
}

// GetSubject retrieves a subject's policy metadata. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetSubject(ctx context.Context, subjectType, subjectID string) (Subject, error) {
	var subject Subject
	err := r.pool.QueryRow(ctx, `
		SELECT subject_type, subject_id, default_effect, timezone, created_at, updated_at
		FROM subjects
		WHERE subject_type = $1 AND subject_id = $2
	`, subjectType, subjectID).Scan(
		&subject.SubjectType,
		&subject.SubjectID,
		&subject.DefaultEffect,
		&subject.Timezone,
		&subject.CreatedAt,
		&subject.UpdatedAt,
	)
	if err != nil {
		return Subject{}, fmt.Errorf("get subject: %w", err)
	}

	return subject, nil
}

// ListSubjects returns all subjects ordered by type and ID.
func (r *PostgresRepository) ListSubjects(ctx context.Context) ([]Subject, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT subject_type, subject_id, default_effect, timezone, created_at, updated_at
		FROM subjects
		ORDER BY subject_type, subject_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	subjects := make([]Subject, 0)
	for rows.Next() {
		var subject Subject
		if err := rows.Scan(
			&subject.SubjectType,
			&subject.SubjectID,
			&subject.DefaultEffect,
			&subject.Timezone,
			&subject.CreatedAt,
			&subject.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}

		subjects = append(subjects, subject)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subjects rows: %w", err)
	}

	return subjects, nil
}

// DeleteSubject removes a subject and, through the schema's cascade, its
// rules. Returns pgx.ErrNoRows (wrapped) if the subject does not exist.
func (r *PostgresRepository) DeleteSubject(ctx context.Context, subjectType, subjectID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM subjects WHERE subject_type = $1 AND subject_id = $2
	`, subjectType, subjectID)
	if err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}

	return noRowsAsErr(commandTag, "delete subject")
}

// CreateRule inserts a new rule row and returns the created record with its
// generated ID, position, and timestamps.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	id := rule.ID
	if id == "" {
		id = uuid.NewString()
	}

	var created Rule
	err := r.pool.QueryRow(ctx, `
		INSERT INTO availability_rules (id, subject_type, subject_id, rule_type, config, effect, priority, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, subject_type, subject_id, rule_type, config, effect, priority, enabled, position, created_at, updated_at
	`,
		id,
		rule.SubjectType,
		rule.SubjectID,
		rule.RuleType,
		ensureJSON(rule.Config, "{}"),
		rule.Effect,
		rule.Priority,
		rule.Enabled,
	).Scan(
		&created.ID,
		&created.SubjectType,
		&created.SubjectID,
		&created.RuleType,
		&created.Config,
		&created.Effect,
		&created.Priority,
		&created.Enabled,
		&created.Position,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", err)
	}

	return created, nil
}

// UpdateRule updates an existing rule identified by ID and returns the
// updated record. The subject reference and position are immutable. Returns
// pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	var updated Rule
	err := r.pool.QueryRow(ctx, `
		UPDATE availability_rules
		SET rule_type = $2,
		    config = $3,
		    effect = $4,
		    priority = $5,
		    enabled = $6,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, subject_type, subject_id, rule_type, config, effect, priority, enabled, position, created_at, updated_at
	`,
		rule.ID,
		rule.RuleType,
		ensureJSON(rule.Config, "{}"),
		rule.Effect,
		rule.Priority,
		rule.Enabled,
	).Scan(
		&updated.ID,
		&updated.SubjectType,
		&updated.SubjectID,
		&updated.RuleType,
		&updated.Config,
		&updated.Effect,
		&updated.Priority,
		&updated.Enabled,
		&updated.Position,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("update rule: %w", err)
	}

	return updated, nil
}

// GetRule retrieves a single rule by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (Rule, error) {
	var rule Rule
	err := r.pool.QueryRow(ctx, `
		SELECT id, subject_type, subject_id, rule_type, config, effect, priority, enabled, position, created_at, updated_at
		FROM availability_rules
		WHERE id = $1
	`, id).Scan(
		&rule.ID,
		&rule.SubjectType,
		&rule.SubjectID,
		&rule.RuleType,
		&rule.Config,
		&rule.Effect,
		&rule.Priority,
		&rule.Enabled,
		&rule.Position,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules returns all rules for a subject in evaluation order: priority
// ascending, then insertion order for ties. Disabled rules are included; the
// snapshot consumer filters them.
func (r *PostgresRepository) ListRules(ctx context.Context, subjectType, subjectID string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, subject_type, subject_id, rule_type, config, effect, priority, enabled, position, created_at, updated_at
		FROM availability_rules
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY priority, position
	`, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	return scanRules(rows)
}

// ListAllRules returns every rule ordered for evaluation, grouped naturally
// by subject. Used for eager cache loads.
func (r *PostgresRepository) ListAllRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, subject_type, subject_id, rule_type, config, effect, priority, enabled, position, created_at, updated_at
		FROM availability_rules
		ORDER BY subject_type, subject_id, priority, position
	`)
	if err != nil {
		return nil, fmt.Errorf("list all rules: %w", err)
	}

	return scanRules(rows)
}

// DeleteRule removes a rule by ID. Returns pgx.ErrNoRows (wrapped) if the
// rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM availability_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	return noRowsAsErr(commandTag, "delete rule")
}

func scanRules(rows pgx.Rows) ([]Rule, error) {
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.SubjectType,
			&rule.SubjectID,
			&rule.RuleType,
			&rule.Config,
			&rule.Effect,
			&rule.Priority,
			&rule.Enabled,
			&rule.Position,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}

	return noRowsAsErr(commandTag, "delete api key")
}

// PublishRuleEvent inserts a rule event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishRuleEvent(ctx context.Context, event RuleEvent) (RuleEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created RuleEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO rule_events (subject_type, subject_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, subject_type, subject_id, event_type, payload, created_at
	`,
		event.SubjectType,
		event.SubjectID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.SubjectType,
		&created.SubjectID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return RuleEvent{}, fmt.Errorf("insert rule event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return RuleEvent{}, fmt.Errorf("notify rule event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns rule events with IDs greater than eventID, ordered
// by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64, limit int) ([]RuleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, subject_type, subject_id, event_type, payload, created_at
		FROM rule_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]RuleEvent, 0)
	for rows.Next() {
		var event RuleEvent
		if err := rows.Scan(
			&event.EventID,
			&event.SubjectType,
			&event.SubjectID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeRuleInvalidation returns a channel that receives a signal whenever
// a rule event notification arrives on the PostgreSQL LISTEN channel. If the
// underlying connection is lost, the listener reconnects after one second; the
// channel is closed once ctx is done.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func noRowsAsErr(commandTag pgconn.CommandTag, operation string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		SubjectType string `json:"subject_type"`
		SubjectID   string `json:"subject_id"`
		EventType   string `json:"event_type"`
	}{
		SubjectType: event.SubjectType,
		SubjectID:   event.SubjectID,
		EventType:   event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
