package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is what the controller and pipeline need from persistence. The
// state machine itself is storage-agnostic; Repo is the SQLite system of
// record, and a durable store can be substituted without touching
// control-flow logic.
type Store interface {
	SavePolicy(ctx context.Context, p domain.Policy) error
	GetPolicy(ctx context.Context) (domain.Policy, error)

	InsertManifest(ctx context.Context, m domain.Manifest) error
	GetManifest(ctx context.Context, id string) (domain.Manifest, error)
	RecentScopes(ctx context.Context, limit int) ([]string, error)

	InsertRun(ctx context.Context, r domain.Run) error
	UpdateRun(ctx context.Context, r domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error)
	ActiveRuns(ctx context.Context) ([]domain.Run, error)
	CountActiveRuns(ctx context.Context) (int, error)
	ActiveRunIDs(ctx context.Context, chamberID string) ([]string, error)
	RecentCompleted(ctx context.Context, limit int) ([]domain.Run, error)
	PruneCompletedRuns(ctx context.Context, keep int) error

	InsertChamber(ctx context.Context, c domain.Chamber) error
	GetChamber(ctx context.Context, id string) (domain.Chamber, error)
	ListChambers(ctx context.Context) ([]domain.Chamber, error)
	SetChamberStatus(ctx context.Context, id string, status domain.ChamberStatus) error
	RecordChamberCompletion(ctx context.Context, id string, spendUSD float64) error

	InsertReceipt(ctx context.Context, r domain.Receipt) error
	GetReceipt(ctx context.Context, id string) (domain.Receipt, error)
	GetReceiptByRun(ctx context.Context, runID string) (domain.Receipt, error)
	ListReceipts(ctx context.Context, limit int) ([]domain.Receipt, error)
	ApproveReceiptDeploy(ctx context.Context, id string) error

	EnqueueEvent(ctx context.Context, evt domain.Event) error
	DequeueEvent(ctx context.Context) (domain.Event, bool, error)
	QueueDepth(ctx context.Context) (int, error)

	AddSpend(ctx context.Context, period string, usd float64) error
	SpendFor(ctx context.Context, period string) (float64, error)
}

// Repo implements Store on SQLite.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ Store = Repo{}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// --- policy ---

func (r Repo) SavePolicy(ctx context.Context, p domain.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO policy(id,policy_json,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET policy_json=excluded.policy_json, updated_at=excluded.updated_at`,
		string(data), fmtTime(r.now()))
	return err
}

func (r Repo) GetPolicy(ctx context.Context) (domain.Policy, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT policy_json FROM policy WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Policy{}, ErrNotFound
	}
	if err != nil {
		return domain.Policy{}, err
	}
	var p domain.Policy
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return domain.Policy{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	return p, nil
}

// --- manifests ---

func (r Repo) InsertManifest(ctx context.Context, m domain.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO manifests(id,trigger_event_id,trigger_source,chamber_id,owner_id,scope,manifest_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.TriggerEventID, string(m.TriggerSource), nullable(m.ChamberID), nullable(m.OwnerID), m.Scope, string(data), fmtTime(m.CreatedAt))
	return err
}

func (r Repo) GetManifest(ctx context.Context, id string) (domain.Manifest, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT manifest_json FROM manifests WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Manifest{}, ErrNotFound
	}
	if err != nil {
		return domain.Manifest{}, err
	}
	var m domain.Manifest
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

func (r Repo) RecentScopes(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT scope FROM manifests ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

// --- runs ---

const activeRunClause = `status NOT IN ('completed','failed')`

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	phases, err := json.Marshal(run.Phases)
	if err != nil {
		return fmt.Errorf("marshal phase results: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,manifest_id,chamber_id,status,current_phase,phases_json,retry_count,max_retries,cost_tokens,cost_usd,frozen_from,receipt_id,error,started_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ManifestID, nullable(run.Manifest.ChamberID), string(run.Status), nullable(string(run.CurrentPhase)), string(phases),
		run.RetryCount, run.MaxRetries, run.CostActual.TotalTokens, run.CostActual.TotalUSD,
		nullable(string(run.FrozenFrom)), nullable(run.ReceiptID), nullable(run.Error),
		fmtTime(run.StartedAt), fmtTime(run.UpdatedAt), nullableTime(run.CompletedAt))
	return err
}

func (r Repo) UpdateRun(ctx context.Context, run domain.Run) error {
	phases, err := json.Marshal(run.Phases)
	if err != nil {
		return fmt.Errorf("marshal phase results: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, current_phase=?, phases_json=?, retry_count=?, cost_tokens=?, cost_usd=?, frozen_from=?, receipt_id=?, error=?, updated_at=?, completed_at=? WHERE id=?`,
		string(run.Status), nullable(string(run.CurrentPhase)), string(phases), run.RetryCount,
		run.CostActual.TotalTokens, run.CostActual.TotalUSD, nullable(string(run.FrozenFrom)),
		nullable(run.ReceiptID), nullable(run.Error), fmtTime(run.UpdatedAt), nullableTime(run.CompletedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `r.id, r.manifest_id, r.status, r.current_phase, r.phases_json, r.retry_count, r.max_retries, r.cost_tokens, r.cost_usd, r.frozen_from, r.receipt_id, r.error, r.started_at, r.updated_at, r.completed_at, m.manifest_json`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var currentPhase, phasesJSON, frozenFrom, receiptID, runErr, completedAt sql.NullString
	var startedAt, updatedAt, manifestJSON string
	err := scan(&run.ID, &run.ManifestID, &run.Status, &currentPhase, &phasesJSON, &run.RetryCount, &run.MaxRetries,
		&run.CostActual.TotalTokens, &run.CostActual.TotalUSD, &frozenFrom, &receiptID, &runErr,
		&startedAt, &updatedAt, &completedAt, &manifestJSON)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if currentPhase.Valid {
		run.CurrentPhase = domain.Phase(currentPhase.String)
	}
	if phasesJSON.Valid && phasesJSON.String != "" {
		if err := json.Unmarshal([]byte(phasesJSON.String), &run.Phases); err != nil {
			return run, fmt.Errorf("unmarshal phase results: %w", err)
		}
	}
	if frozenFrom.Valid {
		run.FrozenFrom = domain.RunStatus(frozenFrom.String)
	}
	if receiptID.Valid {
		run.ReceiptID = receiptID.String
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	run.StartedAt = parseTime(startedAt)
	run.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(manifestJSON), &run.Manifest); err != nil {
		return run, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r JOIN manifests m ON m.id=r.manifest_id WHERE r.id=?`, id)
	return scanRun(row.Scan)
}

type RunFilters struct {
	Status    domain.RunStatus
	ChamberID string
	Limit     int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs r JOIN manifests m ON m.id=r.manifest_id WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND r.status=?`
		args = append(args, string(f.Status))
	}
	if f.ChamberID != "" {
		query += ` AND r.chamber_id=?`
		args = append(args, f.ChamberID)
	}
	query += ` ORDER BY r.started_at DESC, r.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryRuns(ctx, query, args...)
}

func (r Repo) ActiveRuns(ctx context.Context) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs r JOIN manifests m ON m.id=r.manifest_id WHERE r.` + activeRunClause + ` ORDER BY r.started_at ASC, r.id ASC`
	return r.queryRuns(ctx, query)
}

func (r Repo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, nil
}

func (r Repo) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM runs WHERE `+activeRunClause).Scan(&n)
	return n, err
}

func (r Repo) ActiveRunIDs(ctx context.Context, chamberID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM runs WHERE chamber_id=? AND `+activeRunClause+` ORDER BY started_at ASC, id ASC`, chamberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r Repo) RecentCompleted(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + runColumns + ` FROM runs r JOIN manifests m ON m.id=r.manifest_id WHERE r.status='completed' ORDER BY r.completed_at DESC, r.id DESC LIMIT ?`
	return r.queryRuns(ctx, query, limit)
}

// PruneCompletedRuns keeps only the newest `keep` completed runs; the rest
// are evicted along with their receipts. Active runs are never deleted.
func (r Repo) PruneCompletedRuns(ctx context.Context, keep int) error {
	if keep <= 0 {
		return fmt.Errorf("prune keep must be positive")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT id FROM runs WHERE status='completed' ORDER BY completed_at DESC, id DESC LIMIT -1 OFFSET ?`, keep)
	if err != nil {
		return err
	}
	var evict []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		evict = append(evict, id)
	}
	rows.Close()
	for _, id := range evict {
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipts WHERE run_id=?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- chambers ---

func (r Repo) InsertChamber(ctx context.Context, c domain.Chamber) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chambers(id,owner_id,status,poll_interval_ms,completed_run_count,total_spend_usd,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, nullable(c.OwnerID), string(c.Status), c.PollIntervalMS, c.CompletedRunCount, c.TotalSpendUSD, fmtTime(c.CreatedAt))
	return err
}

func scanChamber(scan func(dest ...any) error) (domain.Chamber, error) {
	var c domain.Chamber
	var ownerID sql.NullString
	var createdAt string
	err := scan(&c.ID, &ownerID, &c.Status, &c.PollIntervalMS, &c.CompletedRunCount, &c.TotalSpendUSD, &createdAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if ownerID.Valid {
		c.OwnerID = ownerID.String
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func (r Repo) GetChamber(ctx context.Context, id string) (domain.Chamber, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,status,poll_interval_ms,completed_run_count,total_spend_usd,created_at FROM chambers WHERE id=?`, id)
	c, err := scanChamber(row.Scan)
	if err != nil {
		return c, err
	}
	c.ActiveRunIDs, err = r.ActiveRunIDs(ctx, id)
	return c, err
}

func (r Repo) ListChambers(ctx context.Context) ([]domain.Chamber, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,status,poll_interval_ms,completed_run_count,total_spend_usd,created_at FROM chambers ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Chamber
	for rows.Next() {
		c, err := scanChamber(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) SetChamberStatus(ctx context.Context, id string, status domain.ChamberStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE chambers SET status=?, poll_interval_ms=? WHERE id=?`,
		string(status), domain.PollIntervalFor(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RecordChamberCompletion(ctx context.Context, id string, spendUSD float64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE chambers SET completed_run_count=completed_run_count+1, total_spend_usd=total_spend_usd+? WHERE id=?`, spendUSD, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- receipts ---

func (r Repo) InsertReceipt(ctx context.Context, rec domain.Receipt) error {
	passed, err := json.Marshal(rec.GatesPassed)
	if err != nil {
		return err
	}
	failed, err := json.Marshal(rec.GatesFailed)
	if err != nil {
		return err
	}
	artifacts, err := json.Marshal(rec.Artifacts)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO receipts(id,run_id,gate_score,gates_passed_json,gates_failed_json,artifacts_json,cost_tokens,cost_usd,sealed_at,sealed_by,deploy_approved) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RunID, rec.GateScore, string(passed), string(failed), string(artifacts),
		rec.CostActual.TotalTokens, rec.CostActual.TotalUSD, fmtTime(rec.SealedAt), rec.SealedBy, boolInt(rec.DeployApproved))
	return err
}

func scanReceipt(scan func(dest ...any) error) (domain.Receipt, error) {
	var rec domain.Receipt
	var passed, failed string
	var artifacts sql.NullString
	var sealedAt string
	var deployApproved int
	err := scan(&rec.ID, &rec.RunID, &rec.GateScore, &passed, &failed, &artifacts,
		&rec.CostActual.TotalTokens, &rec.CostActual.TotalUSD, &sealedAt, &rec.SealedBy, &deployApproved)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(passed), &rec.GatesPassed); err != nil {
		return rec, fmt.Errorf("unmarshal gates passed: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &rec.GatesFailed); err != nil {
		return rec, fmt.Errorf("unmarshal gates failed: %w", err)
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &rec.Artifacts); err != nil {
			return rec, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	rec.SealedAt = parseTime(sealedAt)
	rec.DeployApproved = deployApproved != 0
	return rec, nil
}

const receiptColumns = `id,run_id,gate_score,gates_passed_json,gates_failed_json,artifacts_json,cost_tokens,cost_usd,sealed_at,sealed_by,deploy_approved`

func (r Repo) GetReceipt(ctx context.Context, id string) (domain.Receipt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id=?`, id)
	return scanReceipt(row.Scan)
}

func (r Repo) GetReceiptByRun(ctx context.Context, runID string) (domain.Receipt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE run_id=?`, runID)
	return scanReceipt(row.Scan)
}

func (r Repo) ListReceipts(ctx context.Context, limit int) ([]domain.Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts ORDER BY sealed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

// ApproveReceiptDeploy flips the one mutable receipt field.
func (r Repo) ApproveReceiptDeploy(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE receipts SET deploy_approved=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- event queue ---

func (r Repo) EnqueueEvent(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO event_queue(event_json,enqueued_at) VALUES (?,?)`, string(data), fmtTime(r.now()))
	return err
}

// DequeueEvent pops the oldest pending event, FIFO. The second return is
// false when the queue is empty.
func (r Repo) DequeueEvent(ctx context.Context) (domain.Event, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, false, err
	}
	defer tx.Rollback()
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, `SELECT id,event_json FROM event_queue WHERE dequeued_at IS NULL ORDER BY id ASC LIMIT 1`).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return domain.Event{}, false, nil
	}
	if err != nil {
		return domain.Event{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE event_queue SET dequeued_at=? WHERE id=?`, fmtTime(r.now()), id); err != nil {
		return domain.Event{}, false, err
	}
	var evt domain.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return domain.Event{}, false, fmt.Errorf("unmarshal queued event: %w", err)
	}
	return evt, true, tx.Commit()
}

func (r Repo) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM event_queue WHERE dequeued_at IS NULL`).Scan(&n)
	return n, err
}

// --- spend ---

func (r Repo) AddSpend(ctx context.Context, period string, usd float64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO spend(period,total_usd,updated_at) VALUES (?,?,?)
ON CONFLICT(period) DO UPDATE SET total_usd=total_usd+excluded.total_usd, updated_at=excluded.updated_at`,
		period, usd, fmtTime(r.now()))
	return err
}

func (r Repo) SpendFor(ctx context.Context, period string) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT total_usd FROM spend WHERE period=?`, period).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return total, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
