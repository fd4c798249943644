// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package maint

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the maintenance cycle on a cron cadence
type Scheduler struct {
	maintainer *Maintainer
	cron       *cron.Cron
	cancel     context.CancelFunc
}

// NewScheduler creates a scheduler firing RunCycle at the configured
// cron expression (default hourly)
func NewScheduler(m *Maintainer, schedule string) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		m.RunCycle(ctx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}

	return &Scheduler{maintainer: m, cron: c, cancel: cancel}, nil
}

// Start begins the schedule
func (s *Scheduler) Start() {
	log.Printf("maintenance scheduler started")
	s.cron.Start()
}

// Stop cancels in-flight work and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	log.Printf("maintenance scheduler stopped")
}
