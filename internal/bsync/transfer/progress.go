package transfer

import (
	"sync/atomic"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
)

// Progress aggregates transferred bytes across concurrent sessions.
type Progress struct {
	total    atomic.Int64
	done     atomic.Int64
	reporter lib.Reporter
}

func NewProgress(total int64, reporter lib.Reporter) *Progress {
	p := &Progress{reporter: lib.ReporterOrDefault(reporter)}
	p.total.Store(total)
	return p
}

// Add records n more bytes and notifies the reporter.
func (p *Progress) Add(n int64) {
	if p == nil {
		return
	}
	done := p.done.Add(n)
	p.reporter.OnProgress(done, p.total.Load())
}

// Grow raises the expected total, used when a session has to start over.
func (p *Progress) Grow(n int64) {
	if p == nil {
		return
	}
	p.total.Add(n)
}

// Done returns the bytes transferred so far.
func (p *Progress) Done() int64 {
	if p == nil {
		return 0
	}
	return p.done.Load()
}
