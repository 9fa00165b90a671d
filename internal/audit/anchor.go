package audit

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/junlov/quotey/pkg/logger"
)

// AnchorJob periodically re-verifies the tail of the hash chain and logs a
// severity=error audit-worthy log line (not an Event — anchoring is an
// operational check, not a domain event) if a break is found. Grounded on
// the teacher's AddTickerWorker pattern of running a periodic self-check
// as a named background job rather than an ad hoc goroutine loop.
type AnchorJob struct {
	reader   Reader
	log      *logger.Logger
	window   int
	schedule string

	cron *cron.Cron
}

// NewAnchorJob builds the periodic verifier. schedule is a standard 5-field
// cron expression (e.g. "0 */6 * * *"); window bounds how many of the most
// recent events are re-verified per run.
func NewAnchorJob(reader Reader, log *logger.Logger, schedule string, window int) *AnchorJob {
	if window <= 0 {
		window = 500
	}
	return &AnchorJob{
		reader:   reader,
		log:      log,
		window:   window,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers the job and starts the cron scheduler. Returns an error
// only if the schedule expression fails to parse.
func (a *AnchorJob) Start(ctx context.Context) error {
	_, err := a.cron.AddFunc(a.schedule, func() { a.runOnce(ctx) })
	if err != nil {
		return err
	}
	a.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (a *AnchorJob) Stop() {
	<-a.cron.Stop().Done()
}

func (a *AnchorJob) runOnce(ctx context.Context) {
	events, err := a.reader.ListRecent(ctx, a.window)
	if err != nil {
		a.log.WithContext(ctx).WithError(err).Error("audit anchor: failed to load recent events")
		return
	}
	brokenAt, err := VerifyChain(events)
	if err != nil {
		a.log.WithContext(ctx).WithError(err).Error("audit anchor: verification error")
		return
	}
	if brokenAt >= 0 {
		a.log.WithContext(ctx).WithFields(map[string]interface{}{
			"broken_at_event_id": events[brokenAt].ID,
			"broken_at_index":    brokenAt,
		}).Error("audit anchor: hash chain integrity break detected")
		return
	}
	a.log.WithContext(ctx).WithField("events_checked", len(events)).Debug("audit anchor: chain intact")
}
