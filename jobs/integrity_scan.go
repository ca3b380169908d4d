package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/kompasshq/kompass/internal/jobs"
)

// IntegrityScanJob sweeps tenant hierarchies for drift that the online guards
// cannot see, such as rows edited outside the API. It reports violations and
// never repairs them; repair decisions belong to an operator.
type IntegrityScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics

	clock func() time.Time
}

type integrityFinding struct {
	TenantID int64
	Kind     string
	Count    int
}

// Handle processes one hierarchy:integrity_scan task.
func (j *IntegrityScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.Metrics.Track("integrity_scan")

	var payload IntegrityScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.Logger.Error("integrity scan: malformed payload", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}

	now := time.Now
	if j.clock != nil {
		now = j.clock
	}
	started := now()

	findings, err := j.sweep(ctx, payload.TenantID)
	if err != nil {
		j.Logger.Error("integrity scan: sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}

	total := 0
	for _, f := range findings {
		total += f.Count
		j.Metrics.AddViolations(f.Kind, f.TenantID, f.Count)
		j.Logger.Warn("integrity scan: violation",
			slog.Int64("tenant_id", f.TenantID),
			slog.String("kind", f.Kind),
			slog.Int("count", f.Count))
	}

	j.Logger.Info("integrity scan: completed",
		slog.Int64("tenant_id", payload.TenantID),
		slog.Int("violations", total),
		slog.Duration("took", now().Sub(started)))
	return tracker.End(nil)
}

func (j *IntegrityScanJob) sweep(ctx context.Context, tenantID int64) ([]integrityFinding, error) {
	var findings []integrityFinding

	orphans, err := j.orphanedSupervisorRefs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	findings = append(findings, orphans...)

	admins, err := j.adminCountDrift(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	findings = append(findings, admins...)

	return findings, nil
}

// orphanedSupervisorRefs finds live members whose supervisor reference does
// not point at an active, non-deleted manager in the same tenant.
func (j *IntegrityScanJob) orphanedSupervisorRefs(ctx context.Context, tenantID int64) ([]integrityFinding, error) {
	rows, err := j.Pool.Query(ctx, `SELECT m.tenant_id, COUNT(*)
FROM tenant_memberships m
LEFT JOIN tenant_memberships s
  ON s.tenant_id = m.tenant_id AND s.user_id = m.supervisor_id
WHERE m.supervisor_id IS NOT NULL
  AND m.deleted_at IS NULL
  AND ($1::bigint = 0 OR m.tenant_id = $1)
  AND (s.id IS NULL OR s.role <> 'MID' OR NOT s.is_active OR s.deleted_at IS NOT NULL)
GROUP BY m.tenant_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []integrityFinding
	for rows.Next() {
		f := integrityFinding{Kind: "orphaned_supervisor"}
		if err := rows.Scan(&f.TenantID, &f.Count); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// adminCountDrift finds tenants holding more than one active top-role
// membership. Zero admins is a legitimate state reached through the explicit
// admin-less removal branch, so only surplus counts as drift.
func (j *IntegrityScanJob) adminCountDrift(ctx context.Context, tenantID int64) ([]integrityFinding, error) {
	rows, err := j.Pool.Query(ctx, `SELECT tenant_id, COUNT(*) AS admins
FROM tenant_memberships
WHERE role = 'TOP' AND is_active AND deleted_at IS NULL
  AND ($1::bigint = 0 OR tenant_id = $1)
GROUP BY tenant_id
HAVING COUNT(*) > 1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []integrityFinding
	for rows.Next() {
		var tenant int64
		var admins int
		if err := rows.Scan(&tenant, &admins); err != nil {
			return nil, err
		}
		findings = append(findings, integrityFinding{TenantID: tenant, Kind: "multiple_admins", Count: admins - 1})
	}
	return findings, rows.Err()
}
