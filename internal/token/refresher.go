package token

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// AccountLister enumerates the account names the refresher should keep
// warm.
type AccountLister interface {
	AccountNames() ([]string, error)
}

// Refresher proactively refreshes expiring tokens on a cron schedule so
// request paths rarely pay the refresh latency.
type Refresher struct {
	manager *Manager
	lister  AccountLister
	cron    *cron.Cron
}

// NewRefresher builds a refresher; Start registers the schedule.
func NewRefresher(manager *Manager, lister AccountLister) *Refresher {
	return &Refresher{
		manager: manager,
		lister:  lister,
		cron:    cron.New(),
	}
}

// Start registers the schedule and starts the cron loop.
func (r *Refresher) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, r.runOnce)
	if err != nil {
		return err
	}
	r.cron.Start()
	log.Printf("[Refresher] background refresh scheduled: %s", schedule)
	return nil
}

// Stop halts the cron loop and waits for a running pass to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// runOnce refreshes every known account whose token is expired or inside
// the safety margin. Failures are logged and skipped; the next tick retries.
func (r *Refresher) runOnce() {
	names, err := r.lister.AccountNames()
	if err != nil {
		log.Printf("[Refresher] list accounts: %v", err)
		return
	}
	for _, name := range names {
		_, expired, err := r.manager.TokenInfo(name)
		if err != nil || !expired {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := r.manager.AccessToken(ctx, name, false); err != nil {
			log.Printf("[Refresher] refresh %s: %v", name, err)
		}
		cancel()
	}
}
