package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firedesk/backend/internal/geo"
	"github.com/firedesk/backend/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsUnavailable reports whether the error means the database itself is
// gone (connection refused, pool closed), as opposed to a statement
// failure. The orchestrator promotes these to a batch-fatal error.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgconn.Timeout(err)
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "closed pool") ||
		pgconn.Timeout(err)
}

// ── batches ──

func (s *Store) CreateBatch(ctx context.Context, b models.Batch) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO batches (id, filename, total_rows, processed, spam_count, failed_rows, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, b.ID, b.Filename, b.TotalRows, b.Processed, b.SpamCount, b.FailedRows, b.Status, b.CreatedAt)
	return err
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (models.Batch, error) {
	var b models.Batch
	err := s.Pool.QueryRow(ctx, `
		SELECT id, filename, total_rows, processed, spam_count, failed_rows, status, created_at
		FROM batches WHERE id = $1
	`, id).Scan(&b.ID, &b.Filename, &b.TotalRows, &b.Processed, &b.SpamCount, &b.FailedRows, &b.Status, &b.CreatedAt)
	return b, err
}

func (s *Store) UpdateBatch(ctx context.Context, b models.Batch) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE batches SET processed = $1, spam_count = $2, failed_rows = $3, status = $4 WHERE id = $5
	`, b.Processed, b.SpamCount, b.FailedRows, b.Status, b.ID)
	return err
}

// ── tickets ──

func (s *Store) InsertTickets(ctx context.Context, tickets []models.Ticket) (int64, error) {
	rows := make([][]any, 0, len(tickets))
	for _, t := range tickets {
		rows = append(rows, []any{
			t.ID, t.BatchID, t.CustomerGUID, t.CSVRowIndex, t.Description, t.Segment,
			t.BirthDate, t.Age, t.Gender, t.Country, t.Region, t.City, t.Street, t.House,
			t.Attachments, t.Status, t.CreatedAt,
		})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"tickets"}, []string{
		"id", "batch_id", "customer_guid", "csv_row_index", "description", "segment",
		"birth_date", "age", "gender", "country", "region", "city", "street", "house",
		"attachments", "status", "created_at",
	}, pgx.CopyFromRows(rows))
}

func (s *Store) ListTicketsByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Ticket, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, batch_id, customer_guid, csv_row_index, description, COALESCE(description_scrubbed, ''),
		       segment, birth_date, age, gender, country, region, city, street, house, attachments,
		       is_spam, spam_probability, latitude, longitude, COALESCE(address_status, ''), COALESCE(geo_explanation, ''), status, created_at
		FROM tickets WHERE batch_id = $1 ORDER BY csv_row_index ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Ticket
	for rows.Next() {
		var t models.Ticket
		if err := rows.Scan(
			&t.ID, &t.BatchID, &t.CustomerGUID, &t.CSVRowIndex, &t.Description, &t.DescriptionScrubbed,
			&t.Segment, &t.BirthDate, &t.Age, &t.Gender, &t.Country, &t.Region, &t.City, &t.Street, &t.House,
			&t.Attachments, &t.IsSpam, &t.SpamProbability, &t.Latitude, &t.Longitude, &t.AddressStatus,
			&t.GeoExplanation, &t.Status, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTicketSpam(ctx context.Context, ticketID uuid.UUID, isSpam bool, probability float64) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tickets SET is_spam = $1, spam_probability = $2 WHERE id = $3
	`, isSpam, probability, ticketID)
	return err
}

func (s *Store) UpdateTicketScrubbed(ctx context.Context, ticketID uuid.UUID, scrubbed string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tickets SET description_scrubbed = $1 WHERE id = $2
	`, scrubbed, ticketID)
	return err
}

func (s *Store) UpdateTicketGeo(ctx context.Context, ticketID uuid.UUID, lat, lon *float64, status models.AddressStatus, explanation string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tickets SET latitude = $1, longitude = $2, address_status = $3, geo_explanation = $4,
			geo_point = CASE WHEN $1::float8 IS NOT NULL THEN
				ST_SetSRID(ST_MakePoint($2::float8, $1::float8), 4326) ELSE NULL END
		WHERE id = $5
	`, lat, lon, status, explanation, ticketID)
	return err
}

func (s *Store) UpdateTicketStatus(ctx context.Context, ticketID uuid.UUID, status models.TicketStatus) error {
	_, err := s.Pool.Exec(ctx, `UPDATE tickets SET status = $1 WHERE id = $2`, status, ticketID)
	return err
}

// ── agents and offices ──

func (s *Store) InsertAgents(ctx context.Context, agents []models.Agent) (int64, error) {
	rows := make([][]any, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, []any{a.ID, a.FullName, a.Position, a.Skills, a.SkillFactor, a.OfficeID, a.Load, a.StressScore, a.IsActive, a.UpdatedAt})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"agents"}, []string{
		"id", "full_name", "position", "skills", "skill_factor", "office_id", "load", "stress_score", "is_active", "updated_at",
	}, pgx.CopyFromRows(rows))
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, full_name, position, skills, skill_factor, office_id, load, stress_score, is_active, updated_at
		FROM agents ORDER BY load ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.FullName, &a.Position, &a.Skills, &a.SkillFactor, &a.OfficeID, &a.Load, &a.StressScore, &a.IsActive, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgentLoad(ctx context.Context, tx pgx.Tx, agentID string, delta int) error {
	_, err := tx.Exec(ctx, `UPDATE agents SET load = GREATEST(load + $1, 0), updated_at = NOW() WHERE id = $2`, delta, agentID)
	return err
}

func (s *Store) InsertOffices(ctx context.Context, offices []models.Office) (int64, error) {
	rows := make([][]any, 0, len(offices))
	for _, o := range offices {
		rows = append(rows, []any{o.ID, o.Name, o.Address, o.Lat, o.Lon})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"offices"}, []string{"id", "name", "address", "lat", "lon"}, pgx.CopyFromRows(rows))
}

func (s *Store) ListOffices(ctx context.Context) ([]models.Office, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, name, address, lat, lon FROM offices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Office
	for rows.Next() {
		var o models.Office
		if err := rows.Scan(&o.ID, &o.Name, &o.Address, &o.Lat, &o.Lon); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ── analyses ──

func (s *Store) UpsertAnalysis(ctx context.Context, a models.Analysis) error {
	breakdown, _ := json.Marshal(a.PriorityBreakdown)
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO analyses (ticket_id, detected_type, language, language_is_mixed, sentiment, sentiment_confidence,
			summary, anomaly_flags, priority_base, priority_extra, priority_final, priority_breakdown, model, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (ticket_id) DO UPDATE SET
			detected_type = EXCLUDED.detected_type,
			language = EXCLUDED.language,
			language_is_mixed = EXCLUDED.language_is_mixed,
			sentiment = EXCLUDED.sentiment,
			sentiment_confidence = EXCLUDED.sentiment_confidence,
			summary = EXCLUDED.summary,
			anomaly_flags = EXCLUDED.anomaly_flags,
			priority_base = EXCLUDED.priority_base,
			priority_extra = EXCLUDED.priority_extra,
			priority_final = EXCLUDED.priority_final,
			priority_breakdown = EXCLUDED.priority_breakdown,
			model = EXCLUDED.model,
			created_at = EXCLUDED.created_at
	`, a.TicketID, a.DetectedType, a.Language, a.LanguageIsMixed, a.Sentiment, a.SentimentConfidence,
		a.Summary, a.AnomalyFlags, a.PriorityBase, a.PriorityExtra, a.PriorityFinal, breakdown, a.Model, a.CreatedAt)
	return err
}

func (s *Store) GetAnalysis(ctx context.Context, ticketID uuid.UUID) (models.Analysis, error) {
	var a models.Analysis
	var breakdown []byte
	err := s.Pool.QueryRow(ctx, `
		SELECT ticket_id, detected_type, language, language_is_mixed, sentiment, sentiment_confidence,
			summary, anomaly_flags, priority_base, priority_extra, priority_final, priority_breakdown, COALESCE(model, ''), created_at
		FROM analyses WHERE ticket_id = $1
	`, ticketID).Scan(&a.TicketID, &a.DetectedType, &a.Language, &a.LanguageIsMixed, &a.Sentiment, &a.SentimentConfidence,
		&a.Summary, &a.AnomalyFlags, &a.PriorityBase, &a.PriorityExtra, &a.PriorityFinal, &breakdown, &a.Model, &a.CreatedAt)
	if err != nil {
		return models.Analysis{}, err
	}
	if len(breakdown) > 0 {
		_ = json.Unmarshal(breakdown, &a.PriorityBreakdown)
	}
	return a, nil
}

// ── stage outcomes (progress store) ──

// UpsertStageOutcome writes one stage outcome. Terminal rows win over
// in-progress rows but never regress: a completed or failed stage stays
// what it is even if a crashed retry re-reports in_progress.
func (s *Store) UpsertStageOutcome(ctx context.Context, o models.StageOutcome) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO stage_outcomes (ticket_id, batch_id, stage, status, message, error_detail, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (ticket_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			error_detail = EXCLUDED.error_detail,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
		WHERE stage_outcomes.status NOT IN ('completed', 'failed')
	`, o.TicketID, o.BatchID, o.Stage, o.Status, o.Message, o.ErrorDetail, o.StartedAt, o.CompletedAt)
	return err
}

func (s *Store) GetStageOutcome(ctx context.Context, ticketID uuid.UUID, stage models.Stage) (*models.StageOutcome, error) {
	var o models.StageOutcome
	err := s.Pool.QueryRow(ctx, `
		SELECT ticket_id, batch_id, stage, status, COALESCE(message, ''), COALESCE(error_detail, ''), started_at, completed_at
		FROM stage_outcomes WHERE ticket_id = $1 AND stage = $2
	`, ticketID, stage).Scan(&o.TicketID, &o.BatchID, &o.Stage, &o.Status, &o.Message, &o.ErrorDetail, &o.StartedAt, &o.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListStageOutcomesByBatch(ctx context.Context, batchID uuid.UUID) ([]models.StageOutcome, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT ticket_id, batch_id, stage, status, COALESCE(message, ''), COALESCE(error_detail, ''), started_at, completed_at
		FROM stage_outcomes WHERE batch_id = $1 ORDER BY started_at ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StageOutcome
	for rows.Next() {
		var o models.StageOutcome
		if err := rows.Scan(&o.TicketID, &o.BatchID, &o.Stage, &o.Status, &o.Message, &o.ErrorDetail, &o.StartedAt, &o.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ── PII bindings ──

func (s *Store) InsertPIIBindings(ctx context.Context, bindings []models.PIIBinding) error {
	if len(bindings) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, []any{b.TicketID, b.Token, b.Original, b.Kind, b.CreatedAt})
	}
	_, err := s.Pool.CopyFrom(ctx, pgx.Identifier{"pii_bindings"}, []string{
		"ticket_id", "token", "original_encrypted", "kind", "created_at",
	}, pgx.CopyFromRows(rows))
	return err
}

func (s *Store) ListPIIBindings(ctx context.Context, ticketID uuid.UUID) ([]models.PIIBinding, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT ticket_id, token, original_encrypted, kind, created_at
		FROM pii_bindings WHERE ticket_id = $1 ORDER BY token ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PIIBinding
	for rows.Next() {
		var b models.PIIBinding
		if err := rows.Scan(&b.TicketID, &b.Token, &b.Original, &b.Kind, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgePIIBindings removes every binding of a batch. This is the only
// way bindings are ever destroyed.
func (s *Store) PurgePIIBindings(ctx context.Context, batchID uuid.UUID) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM pii_bindings USING tickets
		WHERE pii_bindings.ticket_id = tickets.id AND tickets.batch_id = $1
	`, batchID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ── assignments ──

// SaveAssignment writes the assignment and bumps the agent's stored load
// in the same transaction so the roster stays consistent with the
// in-memory ledger.
func (s *Store) SaveAssignment(ctx context.Context, a models.Assignment, loadDelta int) error {
	details, _ := json.Marshal(a.RoutingDetails)
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO assignments (ticket_id, agent_id, office_id, explanation, routing_details, assigned_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (ticket_id) DO UPDATE SET
				agent_id = EXCLUDED.agent_id,
				office_id = EXCLUDED.office_id,
				explanation = EXCLUDED.explanation,
				routing_details = EXCLUDED.routing_details,
				assigned_at = EXCLUDED.assigned_at
		`, a.TicketID, a.AgentID, a.OfficeID, a.Explanation, details, a.AssignedAt)
		if err != nil {
			return err
		}
		if err := s.UpdateAgentLoad(ctx, tx, a.AgentID, loadDelta); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE tickets SET status = $1 WHERE id = $2`, models.TicketRouted, a.TicketID)
		return err
	})
}

func (s *Store) GetAssignment(ctx context.Context, ticketID uuid.UUID) (*models.Assignment, error) {
	var a models.Assignment
	var details []byte
	err := s.Pool.QueryRow(ctx, `
		SELECT ticket_id, agent_id, office_id, explanation, routing_details, assigned_at
		FROM assignments WHERE ticket_id = $1
	`, ticketID).Scan(&a.TicketID, &a.AgentID, &a.OfficeID, &a.Explanation, &details, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &a.RoutingDetails)
	}
	return &a, nil
}

// Reassign moves a ticket to another agent, transferring the load in
// the same transaction.
func (s *Store) Reassign(ctx context.Context, ticketID uuid.UUID, agentID, officeID, explanation string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		var prevAgent *string
		if err := tx.QueryRow(ctx, `SELECT agent_id FROM assignments WHERE ticket_id = $1`, ticketID).Scan(&prevAgent); err != nil {
			return err
		}
		if prevAgent != nil && *prevAgent != agentID {
			if err := s.UpdateAgentLoad(ctx, tx, *prevAgent, -1); err != nil {
				return err
			}
			if err := s.UpdateAgentLoad(ctx, tx, agentID, 1); err != nil {
				return err
			}
		}
		details, _ := json.Marshal(map[string]any{"manual": true})
		_, err := tx.Exec(ctx, `
			UPDATE assignments
			SET agent_id = $1, office_id = $2, explanation = $3, routing_details = $4, assigned_at = NOW()
			WHERE ticket_id = $5
		`, agentID, officeID, explanation, details, ticketID)
		return err
	})
}

// ── read models for the API ──

// ListTicketView returns the anonymized projection joined with analysis
// and assignment. Raw descriptions and PII columns never leave this
// query; only the scrubbed description is exposed.
func (s *Store) ListTicketView(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT t.id, t.csv_row_index, t.segment, t.city, COALESCE(t.description_scrubbed, ''), t.is_spam,
			t.status, COALESCE(t.address_status, ''),
			an.detected_type, an.sentiment, an.priority_final, an.language,
			a.agent_id, a.office_id, a.explanation
		FROM tickets t
		LEFT JOIN analyses an ON an.ticket_id = t.id
		LEFT JOIN assignments a ON a.ticket_id = t.id`
	var args []any
	if batchID != uuid.Nil {
		args = append(args, batchID)
		query += " WHERE t.batch_id = $1"
	}
	query += fmt.Sprintf(" ORDER BY t.csv_row_index ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			id            uuid.UUID
			rowIndex      int
			segment       string
			city          string
			scrubbed      string
			isSpam        bool
			status        string
			addressStatus string
			detectedType  *string
			sentiment     *string
			priorityFinal *float64
			language      *string
			agentID       *string
			officeID      *string
			explanation   *string
		)
		if err := rows.Scan(&id, &rowIndex, &segment, &city, &scrubbed, &isSpam, &status, &addressStatus,
			&detectedType, &sentiment, &priorityFinal, &language, &agentID, &officeID, &explanation); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"id":             id,
			"csv_row_index":  rowIndex,
			"segment":        segment,
			"city":           city,
			"description":    scrubbed,
			"is_spam":        isSpam,
			"status":         status,
			"address_status": addressStatus,
			"detected_type":  detectedType,
			"sentiment":      sentiment,
			"priority_final": priorityFinal,
			"language":       language,
			"agent_id":       agentID,
			"office_id":      officeID,
			"explanation":    explanation,
		})
	}
	return out, rows.Err()
}

// ── geocode cache persistence ──

func (s *Store) SaveGeocodeEntry(ctx context.Context, query string, lat, lon float64, provider, raw string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO geocode_cache (query, lat, lon, provider, raw_response, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (query) DO UPDATE SET
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, provider = EXCLUDED.provider,
			raw_response = EXCLUDED.raw_response, created_at = EXCLUDED.created_at
	`, query, lat, lon, provider, raw, time.Now().UTC())
	return err
}

func (s *Store) LoadGeocodeEntries(ctx context.Context) (map[string]geo.Entry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT query, lat, lon, provider FROM geocode_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]geo.Entry{}
	for rows.Next() {
		var (
			query string
			e     geo.Entry
		)
		if err := rows.Scan(&query, &e.Lat, &e.Lon, &e.Provider); err != nil {
			return nil, err
		}
		out[query] = e
	}
	return out, rows.Err()
}
