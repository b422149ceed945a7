package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists disputes in PostgreSQL. Sub-records are stored as
// JSONB; the scalar columns the queries filter on are kept flat. The status
// column doubles as the compare-and-swap guard for Update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// disputeColumns is the SELECT column list for disputes.
const disputeColumns = `id, order_id, line_item, phase, complainant, respondent,
	assigned_admin, category, status, priority, description,
	evidence, respondent_response, admin_decision, negotiation,
	third_party, resolution, timeline,
	negotiation_deadline, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, line_item, phase, complainant, respondent,
			assigned_admin, category, status, priority, description,
			evidence, respondent_response, admin_decision, negotiation,
			third_party, resolution, timeline,
			negotiation_deadline, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18,
			$19, $20, $21
		)`,
		d.ID, d.OrderID, d.LineItem, string(d.Phase), d.Complainant, d.Respondent,
		nullStr(d.AssignedAdmin), string(d.Category), string(d.Status), string(d.Priority), d.Description,
		toJSON(d.Evidence), toJSON(d.Response), toJSON(d.AdminDecision), toJSON(d.Negotiation),
		toJSON(d.ThirdParty), toJSON(d.Resolution), toJSON(d.Timeline),
		negotiationDeadline(d), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

// Update persists the dispute only if the stored status still equals
// expect. Category, order reference, and parties are deliberately not in
// the column list: they are immutable after creation.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			assigned_admin = $1, status = $2, priority = $3,
			respondent_response = $4, admin_decision = $5, negotiation = $6,
			third_party = $7, resolution = $8, timeline = $9,
			negotiation_deadline = $10, updated_at = $11
		WHERE id = $12 AND status = $13`,
		nullStr(d.AssignedAdmin), string(d.Status), string(d.Priority),
		toJSON(d.Response), toJSON(d.AdminDecision), toJSON(d.Negotiation),
		toJSON(d.ThirdParty), toJSON(d.Resolution), toJSON(d.Timeline),
		negotiationDeadline(d), d.UpdatedAt,
		d.ID, string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the dispute is gone or another transition won the race.
		if _, getErr := p.Get(ctx, d.ID); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.Category != "" {
		query += ` AND category = ` + arg(string(f.Category))
	}
	if f.Party != "" {
		ph := arg(f.Party)
		query += ` AND (complainant = ` + ph + ` OR respondent = ` + ph + `)`
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(f.Limit)

	return p.queryDisputes(ctx, query, args...)
}

func (p *PostgresStore) GetActiveByLineItem(ctx context.Context, orderID string, lineItem int) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND line_item = $2
		  AND status NOT IN ('respondent_accepted', 'both_accepted', 'negotiation_resolved', 'resolved')
		LIMIT 1`, orderID, lineItem)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListOpenPastResponseWindow(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return p.queryDisputes(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open' AND respondent_response IS NULL AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`, before, limit)
}

func (p *PostgresStore) ListNegotiationExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return p.queryDisputes(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'in_negotiation' AND negotiation_deadline < $1
		ORDER BY negotiation_deadline ASC LIMIT $2`, before, limit)
}

func (p *PostgresStore) queryDisputes(ctx context.Context, query string, args ...interface{}) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	var d Dispute
	var phase, category, status, priority string
	var assignedAdmin sql.NullString
	var negotiationDeadline sql.NullTime
	var evidence, response, adminDecision, negotiation, thirdParty, resolution, timeline []byte

	err := s.Scan(
		&d.ID, &d.OrderID, &d.LineItem, &phase, &d.Complainant, &d.Respondent,
		&assignedAdmin, &category, &status, &priority, &d.Description,
		&evidence, &response, &adminDecision, &negotiation,
		&thirdParty, &resolution, &timeline,
		&negotiationDeadline, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Phase = Phase(phase)
	d.Category = Category(category)
	d.Status = Status(status)
	d.Priority = Priority(priority)
	d.AssignedAdmin = assignedAdmin.String

	if err := fromJSON(evidence, &d.Evidence); err != nil {
		return nil, err
	}
	if err := fromJSON(response, &d.Response); err != nil {
		return nil, err
	}
	if err := fromJSON(adminDecision, &d.AdminDecision); err != nil {
		return nil, err
	}
	if err := fromJSON(negotiation, &d.Negotiation); err != nil {
		return nil, err
	}
	if err := fromJSON(thirdParty, &d.ThirdParty); err != nil {
		return nil, err
	}
	if err := fromJSON(resolution, &d.Resolution); err != nil {
		return nil, err
	}
	if err := fromJSON(timeline, &d.Timeline); err != nil {
		return nil, err
	}
	return &d, nil
}

// toJSON marshals a sub-record for a JSONB column; nil stays NULL.
func toJSON(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		if vv == nil {
			return nil
		}
	case []TimelineEntry:
		if vv == nil {
			return nil
		}
	case *RespondentResponse:
		if vv == nil {
			return nil
		}
	case *AdminDecision:
		if vv == nil {
			return nil
		}
	case *NegotiationRoom:
		if vv == nil {
			return nil
		}
	case *ThirdPartyResolution:
		if vv == nil {
			return nil
		}
	case *Resolution:
		if vv == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		// Sub-records are plain data structs; marshaling cannot fail on
		// well-formed input.
		panic(fmt.Sprintf("marshal dispute sub-record: %v", err))
	}
	return b
}

func fromJSON(b []byte, dst interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func negotiationDeadline(d *Dispute) sql.NullTime {
	if d.Negotiation == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: d.Negotiation.Deadline, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
