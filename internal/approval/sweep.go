package approval

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/pkg/logger"
)

// EscalationSweep periodically scans pending requests for reminder and
// escalation deadlines, per §4.7's deterministic escalation: reminder at
// sla_hours, auto-escalate at escalation_hours, preserving original
// lineage. Escalation never reduces authority -- it only widens who may
// act, so the sweep only ever transitions pending -> escalated, never the
// reverse.
type EscalationSweep struct {
	db       *sqlx.DB
	clock    ids.Clock
	log      *logger.Logger
	schedule string
	cron     *cron.Cron
}

// NewEscalationSweep builds the sweep job.
func NewEscalationSweep(db *sqlx.DB, clock ids.Clock, log *logger.Logger, schedule string) *EscalationSweep {
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	return &EscalationSweep{db: db, clock: clock, log: log, schedule: schedule, cron: cron.New()}
}

// Start registers and starts the cron job.
func (s *EscalationSweep) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() { s.runOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run.
func (s *EscalationSweep) Stop() {
	<-s.cron.Stop().Done()
}

func (s *EscalationSweep) runOnce(ctx context.Context) {
	now := s.clock.Now()

	var reminders []string
	if err := s.db.SelectContext(ctx, &reminders, `
		SELECT approval_id FROM approval_request
		WHERE state = $1 AND remind_at <= $2`, StatePending, now); err != nil {
		s.log.WithContext(ctx).WithError(err).Error("approval sweep: reminder scan failed")
	} else {
		for _, id := range reminders {
			s.log.WithContext(ctx).WithField("approval_id", id).Info("approval reminder due")
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_request SET state = $1
		WHERE state = $2 AND escalate_at <= $3`,
		StateEscalated, StatePending, now)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("approval sweep: escalation update failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.WithContext(ctx).WithField("escalated_count", n).Info("approval sweep: escalated overdue requests")
	}
}
