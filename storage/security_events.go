package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// SetSecurityEventRetention sets how long events are kept. Non-positive values restore the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.retention.Store(int64(retention))
}

func (s *Store) retentionCutoff() int64 {
	return time.Now().Add(-time.Duration(s.retention.Load())).UnixMilli()
}

// LogSecurityEvent appends event and drops rows older than the retention horizon in the same
// transaction.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	event, err := normalizeSecurityEvent(event)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin security event insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO security_events (event_type, identity, counterpart, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(event.Identity),
		nullString(event.Counterpart),
		event.Details,
		event.Severity,
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if _, err := tx.Exec(`DELETE FROM security_events WHERE timestamp < ?`, s.retentionCutoff()); err != nil {
		return fmt.Errorf("prune security events: %w", err)
	}

	return tx.Commit()
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	q, err := buildEventQuery(filter)
	if err != nil {
		return nil, err
	}

	stmt, args := q.build()
	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event       SecurityEvent
			identity    sql.NullString
			counterpart sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &identity, &counterpart, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.Identity = stringPtr(identity)
		event.Counterpart = stringPtr(counterpart)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents deletes events recorded before cutoff (unix millis) and reports how many.
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func normalizeSecurityEvent(event SecurityEvent) (SecurityEvent, error) {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return event, errors.New("event_type is required")
	}

	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return event, err
	}

	switch {
	case event.Details == "":
		event.Details = "{}"
	case !json.Valid([]byte(event.Details)):
		return event, errors.New("details must be valid JSON text")
	}

	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	event.Identity = blankToNil(event.Identity)
	event.Counterpart = blankToNil(event.Counterpart)
	return event, nil
}

type eventQuery struct {
	conds []string
	args  []any
	limit int
	skip  int
}

func buildEventQuery(filter SecurityEventFilter) (*eventQuery, error) {
	q := &eventQuery{limit: defaultEventPage, skip: max(filter.Offset, 0)}
	if filter.Limit > 0 {
		q.limit = min(filter.Limit, maxEventPage)
	}

	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
		q.where("severity = ?", filter.Severity)
	}
	if filter.EventType != "" {
		q.where("event_type = ?", filter.EventType)
	}
	if filter.Identity != "" {
		q.where("identity = ?", filter.Identity)
	}
	if filter.Counterpart != "" {
		q.where("counterpart = ?", filter.Counterpart)
	}
	if filter.FromTimestamp != nil {
		q.where("timestamp >= ?", *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		q.where("timestamp <= ?", *filter.ToTimestamp)
	}
	return q, nil
}

func (q *eventQuery) where(cond string, arg any) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, arg)
}

func (q *eventQuery) build() (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, event_type, identity, counterpart, details, severity, timestamp FROM security_events`)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	return b.String(), append(q.args, q.limit, q.skip)
}

func blankToNil(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
