package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/operator/pkg/models"
)

// CreateCampaign records a new campaign and returns its id.
func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) (int64, error) {
	if c.Name == "" {
		return 0, NewValidationError("name", "must not be empty")
	}
	if c.SubjectName == "" {
		return 0, NewValidationError("subject_name", "must not be empty")
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO campaigns (name, subject_name, chaos_type, variant, is_baseline, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.Name, c.SubjectName, c.ChaosType, c.Variant, boolToInt(c.IsBaseline),
			formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert campaign: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// RecordTrial persists one finished trial. Trials are never modified after
// this write.
func (s *Store) RecordTrial(ctx context.Context, t *models.Trial) (int64, error) {
	metadata, err := marshalJSON(t.ChaosMetadata)
	if err != nil {
		return 0, err
	}
	initial, err := marshalJSON(t.InitialState)
	if err != nil {
		return 0, err
	}
	final, err := marshalJSON(t.FinalState)
	if err != nil {
		return 0, err
	}
	commands := "[]"
	if len(t.Commands) > 0 {
		b, err := json.Marshal(t.Commands)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal commands: %w", err)
		}
		commands = string(b)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trials (campaign_id, started_at, chaos_injected_at, chaos_metadata,
			                    ticket_created_at, resolved_at, ended_at, outcome,
			                    initial_state, final_state, commands_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.CampaignID, formatTime(t.StartedAt), formatTime(t.ChaosInjectedAt), metadata,
			nullableTime(t.TicketCreatedAt), nullableTime(t.ResolvedAt),
			formatTime(t.EndedAt), string(t.Outcome), initial, final, commands)
		if err != nil {
			return fmt.Errorf("failed to insert trial: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetCampaign loads one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, campaignSelect+` WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	return c, err
}

// ListCampaigns returns campaigns newest-first.
func (s *Store) ListCampaigns(ctx context.Context, limit int) ([]*models.Campaign, error) {
	query := campaignSelect + ` ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// GetTrial loads one trial by id.
func (s *Store) GetTrial(ctx context.Context, id int64) (*models.Trial, error) {
	row := s.db.QueryRowContext(ctx, trialSelect+` WHERE id = ?`, id)
	t, err := scanTrial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trial %d: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTrials returns all trials of a campaign in start order.
func (s *Store) ListTrials(ctx context.Context, campaignID int64) ([]*models.Trial, error) {
	rows, err := s.db.QueryContext(ctx, trialSelect+`
		WHERE campaign_id = ? ORDER BY started_at ASC, id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	defer rows.Close()

	var trials []*models.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

const campaignSelect = `
	SELECT id, name, subject_name, chaos_type, variant, is_baseline, created_at
	FROM campaigns`

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var (
		c          models.Campaign
		isBaseline int
		createdAt  string
	)
	err := row.Scan(&c.ID, &c.Name, &c.SubjectName, &c.ChaosType, &c.Variant,
		&isBaseline, &createdAt)
	if err != nil {
		return nil, err
	}
	c.IsBaseline = isBaseline != 0
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &c, nil
}

const trialSelect = `
	SELECT id, campaign_id, started_at, chaos_injected_at, chaos_metadata,
	       ticket_created_at, resolved_at, ended_at, outcome,
	       initial_state, final_state, commands_json
	FROM trials`

func scanTrial(row rowScanner) (*models.Trial, error) {
	var (
		t               models.Trial
		startedAt       string
		chaosInjectedAt string
		metadata        string
		ticketCreatedAt sql.NullString
		resolvedAt      sql.NullString
		endedAt         string
		initial         string
		final           string
		commands        string
	)
	err := row.Scan(&t.ID, &t.CampaignID, &startedAt, &chaosInjectedAt, &metadata,
		&ticketCreatedAt, &resolvedAt, &endedAt, &t.Outcome, &initial, &final, &commands)
	if err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if t.ChaosInjectedAt, err = parseTime(chaosInjectedAt); err != nil {
		return nil, fmt.Errorf("failed to parse chaos_injected_at: %w", err)
	}
	if t.TicketCreatedAt, err = parseNullTime(ticketCreatedAt); err != nil {
		return nil, err
	}
	if t.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if t.EndedAt, err = parseTime(endedAt); err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	if t.ChaosMetadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	if t.InitialState, err = unmarshalMap(initial); err != nil {
		return nil, err
	}
	if t.FinalState, err = unmarshalMap(final); err != nil {
		return nil, err
	}
	if commands != "" && commands != "[]" {
		if err := json.Unmarshal([]byte(commands), &t.Commands); err != nil {
			return nil, fmt.Errorf("failed to unmarshal commands: %w", err)
		}
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
