package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SettingsRepository   = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

const deploymentColumns = `id, settings_version_id, snapshot, status, description, redeploy_of, notifications, created_by, created_at, completed_at, updated_at`

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetSettings fetches the singleton settings document.
func (r *Repository) GetSettings(ctx context.Context) (*domain.Settings, error) {
	const query = `SELECT id, data, status, version, version_id, deployment_id, updated_at
		FROM settings WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, domain.SettingsID)
	settings, err := scanSettings(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return settings, nil
}

// SaveSettings appends a settings version and points the document at it.
func (r *Repository) SaveSettings(ctx context.Context, values json.RawMessage, actor string) (*domain.Settings, error) {
	if len(values) == 0 {
		values = json.RawMessage(`{}`)
	}
	var probe map[string]any
	if err := json.Unmarshal(values, &probe); err != nil {
		return nil, fmt.Errorf("%w: settings values must be a JSON object", repository.ErrInvalidArgument)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO settings (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, domain.SettingsID); err != nil {
		return nil, err
	}
	var current int
	if err := tx.QueryRow(ctx, `SELECT version FROM settings WHERE id = $1 FOR UPDATE`, domain.SettingsID).Scan(&current); err != nil {
		return nil, err
	}

	versionID := uuid.NewString()
	const versionInsert = `INSERT INTO settings_versions (id, version, data, created_by, created_at)
		VALUES ($1, $2, $3, $4, NOW())`
	if _, err := tx.Exec(ctx, versionInsert, versionID, current+1, []byte(values), emptyToNil(actor)); err != nil {
		return nil, mapWriteError(err)
	}

	const settingsUpdate = `UPDATE settings
		SET data = $2, version = $3, version_id = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING id, data, status, version, version_id, deployment_id, updated_at`
	settings, err := scanSettings(tx.QueryRow(ctx, settingsUpdate, domain.SettingsID, []byte(values), current+1, versionID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return settings, nil
}

// UpdateSettingsStatus writes the status marker, optionally guarded by deployment.
func (r *Repository) UpdateSettingsStatus(ctx context.Context, update domain.SettingsStatusUpdate) (bool, error) {
	if update.OnlyIfDeployment != "" {
		const guarded = `UPDATE settings SET status = $2, updated_at = NOW()
			WHERE id = $1 AND deployment_id = $3`
		tag, err := r.pool.Exec(ctx, guarded, domain.SettingsID, string(update.Status), update.OnlyIfDeployment)
		if err != nil {
			return false, mapWriteError(err)
		}
		return tag.RowsAffected() > 0, nil
	}
	const upsert = `INSERT INTO settings (id, status, deployment_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			deployment_id = COALESCE(EXCLUDED.deployment_id, settings.deployment_id),
			updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, upsert, domain.SettingsID, string(update.Status), emptyToNil(update.DeploymentID)); err != nil {
		return false, mapWriteError(err)
	}
	return true, nil
}

// ListSettingsVersions returns settings versions newest first.
func (r *Repository) ListSettingsVersions(ctx context.Context, limit int) ([]domain.SettingsVersion, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, version, data, created_by, created_at
		FROM settings_versions ORDER BY version DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]domain.SettingsVersion, 0)
	for rows.Next() {
		var (
			version   domain.SettingsVersion
			data      []byte
			createdBy sql.NullString
		)
		if err := rows.Scan(&version.ID, &version.Version, &data, &createdBy, &version.CreatedAt); err != nil {
			return nil, err
		}
		version.Values = json.RawMessage(data)
		if createdBy.Valid {
			version.CreatedBy = createdBy.String
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return fmt.Errorf("%w: deployment required", repository.ErrInvalidArgument)
	}
	notifications, err := json.Marshal(nonNilOutcomes(deployment.Notifications))
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}
	snapshot := deployment.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query,
		deployment.ID,
		emptyToNil(deployment.SettingsVersionID),
		[]byte(snapshot),
		string(deployment.Status),
		deployment.Description,
		stringPtrToNil(deployment.RedeployOf),
		notifications,
		deployment.CreatedBy,
		deployment.CreatedAt,
		timePtrToNil(deployment.CompletedAt),
		deployment.UpdatedAt,
	)
	return mapWriteError(err)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeployments returns the ledger newest first.
func (r *Repository) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		ORDER BY created_at DESC, id DESC LIMIT $1`
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	return r.queryDeployments(ctx, query, limitArg)
}

// ListActiveDeployments returns non-terminal deployments newest first.
func (r *Repository) ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 ORDER BY created_at DESC, id DESC`
	return r.queryDeployments(ctx, query, string(domain.StatusDeploying))
}

// UpdateDeploymentDescription sets the progress annotation.
func (r *Repository) UpdateDeploymentDescription(ctx context.Context, deploymentID, description string) error {
	const query = `UPDATE deployments SET description = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, description)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordNotifications stores fan-out outcomes on the record.
func (r *Repository) RecordNotifications(ctx context.Context, deploymentID string, outcomes []domain.NotificationOutcome) error {
	payload, err := json.Marshal(nonNilOutcomes(outcomes))
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}
	const query = `UPDATE deployments SET notifications = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, payload)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TransitionDeployment applies a terminal status while the record is still deploying.
func (r *Repository) TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (bool, error) {
	if !transition.Status.IsTerminal() {
		return false, fmt.Errorf("%w: transition target must be terminal", repository.ErrInvalidArgument)
	}
	completedAt := transition.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	const query = `UPDATE deployments
		SET status = $2,
			description = COALESCE($3, description),
			completed_at = $4,
			updated_at = $4
		WHERE id = $1 AND status NOT IN ('ok', 'error')`
	tag, err := r.pool.Exec(ctx, query,
		transition.DeploymentID,
		string(transition.Status),
		stringPtrToNil(transition.Description),
		completedAt,
	)
	if err != nil {
		return false, mapWriteError(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, transition.DeploymentID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, repository.ErrNotFound
	}
	return false, nil
}

// PruneDeployments deletes every record beyond the newest keep entries in one statement.
func (r *Repository) PruneDeployments(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	const query = `DELETE FROM deployments WHERE id IN (
			SELECT id FROM deployments ORDER BY created_at DESC, id DESC OFFSET $1
		)`
	tag, err := r.pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanSettings(row pgx.Row) (*domain.Settings, error) {
	var (
		s            domain.Settings
		data         []byte
		status       string
		versionID    sql.NullString
		deploymentID sql.NullString
	)
	if err := row.Scan(&s.ID, &data, &status, &s.Version, &versionID, &deploymentID, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Values = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.Values); err != nil {
			return nil, fmt.Errorf("decode settings data: %w", err)
		}
	}
	s.Status = domain.ParseStatus(status)
	if versionID.Valid {
		s.VersionID = versionID.String
	}
	if deploymentID.Valid {
		s.DeploymentID = deploymentID.String
	}
	return &s, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d             domain.Deployment
		versionID     sql.NullString
		snapshot      []byte
		status        string
		redeployOf    sql.NullString
		notifications []byte
		completedAt   sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&versionID,
		&snapshot,
		&status,
		&d.Description,
		&redeployOf,
		&notifications,
		&d.CreatedBy,
		&d.CreatedAt,
		&completedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.ParseStatus(status)
	d.Snapshot = json.RawMessage(snapshot)
	if versionID.Valid {
		d.SettingsVersionID = versionID.String
	}
	if redeployOf.Valid {
		value := redeployOf.String
		d.RedeployOf = &value
	}
	if len(notifications) > 0 {
		if err := json.Unmarshal(notifications, &d.Notifications); err != nil {
			return nil, fmt.Errorf("decode notifications: %w", err)
		}
	}
	if completedAt.Valid {
		value := completedAt.Time
		d.CompletedAt = &value
	}
	return &d, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.Message)
		case "23514", "22P02":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func nonNilOutcomes(outcomes []domain.NotificationOutcome) []domain.NotificationOutcome {
	if outcomes == nil {
		return []domain.NotificationOutcome{}
	}
	return outcomes
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
