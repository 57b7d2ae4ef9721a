package timetable

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/schoolyard/portal/core"
)

// Refresher keeps persisted snapshots warm by re-fetching today's timetable
// for every configured user on a cron schedule.
type Refresher struct {
	svc     *Service
	logger  core.Logger
	cron    *cron.Cron
	timeout time.Duration
}

func NewRefresher(svc *Service, spec string, conf *core.Config, logger core.Logger) (*Refresher, error) {
	r := &Refresher{
		svc:     svc,
		logger:  logger,
		cron:    cron.New(),
		timeout: conf.Timetable.HTTPTimeout * 10, // whole sweep, not one call
	}
	if _, err := r.cron.AddFunc(spec, r.refresh); err != nil {
		return nil, errors.Wrapf(err, "parsing refresh spec %q", spec)
	}
	return r, nil
}

func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	r.logger.Info("timetable refresh sweep started")
	r.svc.RefreshAll(ctx)
	r.logger.Info("timetable refresh sweep finished")
}
