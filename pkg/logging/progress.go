package logging

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MergeProgress tracks a merge run across sub-directories: how many were
// appended, how many skipped, out of how many discovered.
type MergeProgress struct {
	total     int64
	appended  atomic.Int64
	skipped   atomic.Int64
	startTime time.Time
	log       zerolog.Logger
}

// NewMergeProgress creates a progress tracker for a merge run.
func NewMergeProgress(phase string, total int64) *MergeProgress {
	return &MergeProgress{
		total:     total,
		startTime: time.Now(),
		log:       WithPhase(phase),
	}
}

// RecordAppend records a sub-directory whose rows were appended.
func (p *MergeProgress) RecordAppend() {
	p.appended.Add(1)
	p.logProgress()
}

// RecordSkip records a sub-directory that contributed nothing.
func (p *MergeProgress) RecordSkip() {
	p.skipped.Add(1)
	p.logProgress()
}

// Progress returns current counts.
func (p *MergeProgress) Progress() (appended, skipped, total int64) {
	return p.appended.Load(), p.skipped.Load(), p.total
}

// Elapsed returns time since the run started.
func (p *MergeProgress) Elapsed() time.Duration {
	return time.Since(p.startTime)
}

func (p *MergeProgress) logProgress() {
	appended, skipped, total := p.Progress()
	p.log.Debug().
		Int64("appended", appended).
		Int64("skipped", skipped).
		Int64("total", total).
		Msg("merge progress")
}

// LogSummary emits the end-of-run summary at info level.
func (p *MergeProgress) LogSummary() {
	appended, skipped, total := p.Progress()
	p.log.Info().
		Int64("appended", appended).
		Int64("skipped", skipped).
		Int64("total", total).
		Dur("elapsed", p.Elapsed()).
		Msg("merge complete")
}
