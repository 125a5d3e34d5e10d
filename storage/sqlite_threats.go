package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

// =============================================================================
// SQLite Threat Storage Implementation
// =============================================================================

// SQLiteThreatStorage implements ThreatStorageInterface using SQLite
type SQLiteThreatStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteThreatStorage creates a new threat storage instance
func NewSQLiteThreatStorage(sqlite *SQLite, logger *zap.SugaredLogger) (*SQLiteThreatStorage, error) {
	storage := &SQLiteThreatStorage{
		sqlite: sqlite,
		logger: logger,
	}

	if err := storage.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure threat tables: %w", err)
	}

	return storage, nil
}

// ensureTables creates threat tables if they don't exist
func (s *SQLiteThreatStorage) ensureTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threats (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		type TEXT NOT NULL CHECK(type IN ('phishing','scam','malware','wallet-risk','contract-exploit','other')),
		category TEXT DEFAULT '',
		severity TEXT NOT NULL CHECK(severity IN ('critical','high','medium','low')),
		confidence INTEGER NOT NULL DEFAULT 50 CHECK(confidence >= 0 AND confidence <= 100),
		target_type TEXT NOT NULL CHECK(target_type IN ('url','domain','wallet','contract','file')),
		target_value TEXT NOT NULL,
		target_normalized TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		indicators TEXT NOT NULL DEFAULT '[]',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		attribution TEXT DEFAULT '',
		impact TEXT,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		discovered_at DATETIME NOT NULL,
		reported_at DATETIME,
		verified_at DATETIME,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','under_review','verified','false_positive','resolved','expired')),
		expires_at DATETIME,
		duplicate_of TEXT NOT NULL DEFAULT '',
		related_ids TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threats_type ON threats(type);
	CREATE INDEX IF NOT EXISTS idx_threats_severity ON threats(severity);
	CREATE INDEX IF NOT EXISTS idx_threats_status ON threats(status);
	CREATE INDEX IF NOT EXISTS idx_threats_source ON threats(source);
	CREATE INDEX IF NOT EXISTS idx_threats_target_normalized ON threats(target_normalized);
	CREATE INDEX IF NOT EXISTS idx_threats_first_seen ON threats(first_seen);
	CREATE INDEX IF NOT EXISTS idx_threats_expires_at ON threats(expires_at);
	CREATE INDEX IF NOT EXISTS idx_threats_created_at ON threats(created_at);

	-- The dedup fingerprint guards the check-then-insert race at the
	-- database level: two byte-identical candidates racing past the
	-- correlation check cannot both become canonical records. Only live
	-- canonical records participate.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_threats_fingerprint
		ON threats(fingerprint) WHERE duplicate_of = '' AND status != 'expired';
	`

	if _, err := s.sqlite.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create threat tables: %w", err)
	}

	s.logger.Info("Threat tables ensured in SQLite")
	return nil
}

// EnsureIndexes creates indexes (part of table creation for SQLite)
func (s *SQLiteThreatStorage) EnsureIndexes() error {
	return s.ensureTables()
}

// Allowed sort fields prevent SQL injection through ORDER BY
var allowedThreatSortFields = map[string]string{
	"created_at": "created_at",
	"severity":   "severity",
	"confidence": "confidence",
	"last_seen":  "last_seen",
	"first_seen": "first_seen",
}

const maxJSONFieldSize = 1 << 20 // 1MB limit for JSON columns

// safeUnmarshalJSON unmarshals a JSON column with size validation
func safeUnmarshalJSON(data string, v interface{}) error {
	if len(data) > maxJSONFieldSize {
		return fmt.Errorf("JSON field exceeds maximum size (%d > %d bytes)", len(data), maxJSONFieldSize)
	}
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// InsertThreat persists a new canonical record
func (s *SQLiteThreatStorage) InsertThreat(ctx context.Context, threat *core.ThreatRecord) error {
	indicators, err := marshalJSON(threat.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}
	tags, err := marshalJSON(threat.Context.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	relatedIDs, err := marshalJSON(threat.RelatedIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal related ids: %w", err)
	}

	var impact sql.NullString
	if threat.Impact != nil {
		data, err := marshalJSON(threat.Impact)
		if err != nil {
			return fmt.Errorf("failed to marshal impact: %w", err)
		}
		impact = sql.NullString{String: data, Valid: true}
	}

	normalized := core.NormalizeTargetValue(threat.Target.Type, threat.Target.Value)
	fingerprint := core.ThreatFingerprint(threat.Target.Type, threat.Target.Value, threat.Type, threat.Indicators)

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO threats (
			id, source, type, category, severity, confidence,
			target_type, target_value, target_normalized, fingerprint,
			indicators, title, description, tags, attribution, impact,
			first_seen, last_seen, discovered_at, reported_at, verified_at,
			status, expires_at, duplicate_of, related_ids, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		threat.ID, threat.Source, string(threat.Type), threat.Category,
		string(threat.Severity), threat.Confidence,
		string(threat.Target.Type), threat.Target.Value, normalized, fingerprint,
		indicators, threat.Context.Title, threat.Context.Description, tags,
		threat.Attribution, impact,
		threat.Timeline.FirstSeen.UTC(), threat.Timeline.LastSeen.UTC(),
		threat.Timeline.DiscoveredAt.UTC(),
		nullableTime(threat.Timeline.ReportedAt), nullableTime(threat.Timeline.VerifiedAt),
		string(threat.Status), nullableTime(threat.ExpiresAt),
		threat.DuplicateOf, relatedIDs,
		threat.CreatedAt.UTC(), threat.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateThreat
		}
		return fmt.Errorf("failed to insert threat: %w", err)
	}

	return nil
}

// GetThreat retrieves a threat record by ID
func (s *SQLiteThreatStorage) GetThreat(ctx context.Context, id string) (*core.ThreatRecord, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+threatColumns+` FROM threats WHERE id = ?`, id)

	threat, err := scanThreat(row)
	if err == sql.ErrNoRows {
		return nil, ErrThreatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get threat: %w", err)
	}
	return threat, nil
}

// UpdateThreatStatus transitions a record's status, guarded by the current
// status so concurrent transitions cannot race.
func (s *SQLiteThreatStorage) UpdateThreatStatus(ctx context.Context, id string, fromStatus, toStatus core.ThreatStatus) error {
	if !fromStatus.CanTransition(toStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, fromStatus, toStatus)
	}

	var verifiedAt interface{}
	if toStatus == core.ThreatStatusVerified {
		verifiedAt = time.Now().UTC()
	}

	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE threats
		SET status = ?, verified_at = COALESCE(?, verified_at), updated_at = ?
		WHERE id = ? AND status = ?`,
		string(toStatus), verifiedAt, time.Now().UTC(), id, string(fromStatus))
	if err != nil {
		return fmt.Errorf("failed to update threat status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update: %w", err)
	}
	if rows == 0 {
		// Either the record is missing or its status already moved on.
		if _, err := s.GetThreat(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: record no longer in status %s", ErrInvalidTransition, fromStatus)
	}

	return nil
}

// AppendEvidence merges new indicators into the canonical record, bumps
// lastSeen and raises confidence. Merge, not replace: existing indicators are
// preserved and duplicates skipped.
func (s *SQLiteThreatStorage) AppendEvidence(ctx context.Context, id string, indicators []string, lastSeen time.Time, confidence int) error {
	tx, err := s.sqlite.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin evidence transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedIndicators string
	var storedConfidence int
	var storedLastSeen time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT indicators, confidence, last_seen FROM threats WHERE id = ?`, id).
		Scan(&storedIndicators, &storedConfidence, &storedLastSeen)
	if err == sql.ErrNoRows {
		return ErrThreatNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load threat for evidence append: %w", err)
	}

	record := core.ThreatRecord{Confidence: storedConfidence}
	if err := safeUnmarshalJSON(storedIndicators, &record.Indicators); err != nil {
		return fmt.Errorf("failed to unmarshal stored indicators: %w", err)
	}
	record.MergeIndicators(indicators)

	merged, err := marshalJSON(record.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal merged indicators: %w", err)
	}

	if confidence > storedConfidence {
		storedConfidence = core.ClampConfidence(confidence)
	}
	if lastSeen.Before(storedLastSeen) {
		lastSeen = storedLastSeen
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threats SET indicators = ?, confidence = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		merged, storedConfidence, lastSeen.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to append evidence: %w", err)
	}

	return tx.Commit()
}

// LinkRelated cross-links two records in the related band, both directions
func (s *SQLiteThreatStorage) LinkRelated(ctx context.Context, id, relatedID string) error {
	tx, err := s.sqlite.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin link transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, pair := range [][2]string{{id, relatedID}, {relatedID, id}} {
		var stored string
		err := tx.QueryRowContext(ctx,
			`SELECT related_ids FROM threats WHERE id = ?`, pair[0]).Scan(&stored)
		if err == sql.ErrNoRows {
			return ErrThreatNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load related ids: %w", err)
		}

		var ids []string
		if err := safeUnmarshalJSON(stored, &ids); err != nil {
			return fmt.Errorf("failed to unmarshal related ids: %w", err)
		}

		exists := false
		for _, existing := range ids {
			if existing == pair[1] {
				exists = true
				break
			}
		}
		if exists {
			continue
		}

		ids = append(ids, pair[1])
		updated, err := marshalJSON(ids)
		if err != nil {
			return fmt.Errorf("failed to marshal related ids: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE threats SET related_ids = ?, updated_at = ? WHERE id = ?`,
			updated, time.Now().UTC(), pair[0]); err != nil {
			return fmt.Errorf("failed to link related threats: %w", err)
		}
	}

	return tx.Commit()
}

// buildThreatQuery constructs the WHERE clause for QueryThreats
func buildThreatQuery(filter *ThreatQueryFilter) (string, []interface{}) {
	conditions := []string{"1=1"}
	var args []interface{}

	appendInClause := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = "?"
			args = append(args, v)
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")))
	}

	types := make([]string, len(filter.Types))
	for i, t := range filter.Types {
		types[i] = string(t)
	}
	appendInClause("type", types)

	severities := make([]string, len(filter.Severities))
	for i, s := range filter.Severities {
		severities[i] = string(s)
	}
	appendInClause("severity", severities)

	appendInClause("source", filter.Sources)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		appendInClause("status", statuses)
	} else if !filter.IncludeExpired {
		// Default active view: expired records are retained for audit but
		// excluded here.
		conditions = append(conditions, "status != ?")
		args = append(args, string(core.ThreatStatusExpired))
	}

	if filter.TargetType != "" {
		conditions = append(conditions, "target_type = ?")
		args = append(args, string(filter.TargetType))
	}
	if filter.TargetValue != "" {
		conditions = append(conditions, "target_normalized = ?")
		args = append(args, core.NormalizeTargetValue(filter.TargetType, filter.TargetValue))
	}
	if filter.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= ?")
		args = append(args, filter.MinConfidence)
	}
	if filter.StartDate != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.EndDate.UTC())
	}
	for _, tag := range filter.Tags {
		// Tags are stored as a JSON array of strings; match the quoted form.
		conditions = append(conditions, "tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}

	return strings.Join(conditions, " AND "), args
}

// QueryThreats returns filtered, sorted, paginated threat records plus the
// total count for pagination metadata
func (s *SQLiteThreatStorage) QueryThreats(ctx context.Context, filter *ThreatQueryFilter, opts *ThreatQueryOptions) ([]core.ThreatRecord, int64, error) {
	where, args := buildThreatQuery(filter)

	var total int64
	countQuery := "SELECT COUNT(*) FROM threats WHERE " + where
	if err := s.sqlite.ReadDB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count threats: %w", err)
	}

	sortColumn, ok := allowedThreatSortFields[opts.SortBy]
	if !ok {
		sortColumn = "created_at"
	}
	sortOrder := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		sortOrder = "ASC"
	}

	// Severity sorts by rank, not lexicographically.
	orderExpr := sortColumn
	if sortColumn == "severity" {
		orderExpr = `CASE severity
			WHEN 'critical' THEN 4 WHEN 'high' THEN 3
			WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(
		"SELECT %s FROM threats WHERE %s ORDER BY %s %s, created_at DESC LIMIT ? OFFSET ?",
		threatColumns, where, orderExpr, sortOrder)
	args = append(args, limit, opts.Offset)

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query threats: %w", err)
	}
	defer rows.Close()

	threats, err := scanThreats(rows)
	if err != nil {
		return nil, 0, err
	}
	return threats, total, nil
}

// SearchThreats combines full-text matching over title/description/tags with
// substring matching over target values, deduplicated and ranked by text
// relevance then recency.
func (s *SQLiteThreatStorage) SearchThreats(ctx context.Context, query string, limit int) ([]core.ThreatRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"

	// Rank: title match above description/tag match above target-only match.
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM threats
		WHERE title LIKE ? ESCAPE '\'
		   OR description LIKE ? ESCAPE '\'
		   OR tags LIKE ? ESCAPE '\'
		   OR target_value LIKE ? ESCAPE '\'
		   OR target_normalized LIKE ? ESCAPE '\'
		ORDER BY
			CASE
				WHEN title LIKE ? ESCAPE '\' THEN 0
				WHEN description LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\' THEN 1
				ELSE 2
			END,
			last_seen DESC
		LIMIT ?`, threatColumns),
		pattern, pattern, pattern, pattern, pattern,
		pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search threats: %w", err)
	}
	defer rows.Close()

	return scanThreats(rows)
}

// escapeLike escapes LIKE metacharacters in user-supplied search terms
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// FindCandidates returns non-expired records for the correlation engine
func (s *SQLiteThreatStorage) FindCandidates(ctx context.Context, normalizedTarget string, windowStart time.Time) ([]core.ThreatRecord, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM threats
		WHERE target_normalized = ? AND first_seen >= ? AND status != 'expired'
		ORDER BY last_seen DESC`, threatColumns),
		normalizedTarget, windowStart.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to find correlation candidates: %w", err)
	}
	defer rows.Close()

	return scanThreats(rows)
}

// ExpireThreats transitions overdue active/under_review records to expired.
// The status guard makes the sweep idempotent and race-safe against
// concurrent verifications.
func (s *SQLiteThreatStorage) ExpireThreats(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE threats SET status = 'expired', updated_at = ?
		WHERE status IN ('active','under_review')
		  AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire threats: %w", err)
	}

	return result.RowsAffected()
}

// =============================================================================
// Row Scanning
// =============================================================================

const threatColumns = `id, source, type, category, severity, confidence,
	target_type, target_value, indicators, title, description, tags,
	attribution, impact, first_seen, last_seen, discovered_at, reported_at,
	verified_at, status, expires_at, duplicate_of, related_ids, created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanThreat(row rowScanner) (*core.ThreatRecord, error) {
	var threat core.ThreatRecord
	var threatType, severity, targetType, status string
	var indicators, tags, relatedIDs string
	var impact sql.NullString
	var reportedAt, verifiedAt, expiresAt sql.NullTime

	err := row.Scan(
		&threat.ID, &threat.Source, &threatType, &threat.Category,
		&severity, &threat.Confidence,
		&targetType, &threat.Target.Value, &indicators,
		&threat.Context.Title, &threat.Context.Description, &tags,
		&threat.Attribution, &impact,
		&threat.Timeline.FirstSeen, &threat.Timeline.LastSeen,
		&threat.Timeline.DiscoveredAt, &reportedAt, &verifiedAt,
		&status, &expiresAt, &threat.DuplicateOf, &relatedIDs,
		&threat.CreatedAt, &threat.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	threat.Type = core.ThreatType(threatType)
	threat.Severity = core.Severity(severity)
	threat.Target.Type = core.TargetType(targetType)
	threat.Status = core.ThreatStatus(status)

	if err := safeUnmarshalJSON(indicators, &threat.Indicators); err != nil {
		return nil, fmt.Errorf("failed to unmarshal indicators: %w", err)
	}
	if err := safeUnmarshalJSON(tags, &threat.Context.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := safeUnmarshalJSON(relatedIDs, &threat.RelatedIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal related ids: %w", err)
	}
	if impact.Valid {
		threat.Impact = &core.Impact{}
		if err := safeUnmarshalJSON(impact.String, threat.Impact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal impact: %w", err)
		}
	}
	if reportedAt.Valid {
		t := reportedAt.Time
		threat.Timeline.ReportedAt = &t
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		threat.Timeline.VerifiedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		threat.ExpiresAt = &t
	}

	return &threat, nil
}

func scanThreats(rows *sql.Rows) ([]core.ThreatRecord, error) {
	var threats []core.ThreatRecord
	for rows.Next() {
		threat, err := scanThreat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threat row: %w", err)
		}
		threats = append(threats, *threat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threat row iteration failed: %w", err)
	}
	return threats, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
