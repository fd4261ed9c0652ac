// Package gate implements the annotation gate: a single-slot rendezvous
// between the serial engine loop and the concurrent HTTP surface.
//
// The engine publishes exactly one pending render job at a time and then
// blocks in Await until a browser client delivers an annotated image whose
// seq matches the job in flight. Delivery for any other seq is rejected as
// stale, which turns out-of-order annotation into a detectable protocol
// error instead of a ghost turn.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/visor-agent/visor/internal/domain/entity"
)

// Verdict classifies the outcome of a Deliver call.
type Verdict int

const (
	// DeliverOK: image accepted (or re-delivered for an already accepted seq).
	DeliverOK Verdict = iota
	// DeliverStale: a job is pending but its seq does not match.
	DeliverStale
	// DeliverNoPending: no render job is outstanding.
	DeliverNoPending
	// DeliverBadPayload: empty or implausibly small image.
	DeliverBadPayload
)

func (v Verdict) String() string {
	switch v {
	case DeliverOK:
		return "ok"
	case DeliverStale:
		return "stale"
	case DeliverNoPending:
		return "no_pending"
	case DeliverBadPayload:
		return "bad_payload"
	}
	return "unknown"
}

// ErrTimeout is returned by Await when the annotation deadline elapses.
var ErrTimeout = errors.New("annotation wait timed out")

// minImageB64 guards against a canvas posting a blank or truncated frame.
// A real 1x1 PNG already base64-encodes to well over this.
const minImageB64 = 100

// Gate holds at most one pending render job and at most one delivered
// annotated image for that job's seq.
type Gate struct {
	mu        sync.Mutex
	job       *entity.RenderJob
	delivered string        // accepted image for job.Seq, "" if none yet
	ready     chan struct{} // closed when delivered is set; recreated per publish
}

// New creates an empty gate.
func New() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// Publish installs job as the current pending render job, discarding any
// prior un-consumed job and any stale delivered image. Never blocks.
func (g *Gate) Publish(job *entity.RenderJob) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Wake anyone still waiting on the superseded job so they observe the
	// slot change rather than hanging until their deadline.
	if g.delivered == "" {
		close(g.ready)
	}
	g.job = job
	g.delivered = ""
	g.ready = make(chan struct{})
}

// Peek returns the current pending job, or nil when the gate is empty.
// Non-destructive; every poller in the same window sees the same job.
func (g *Gate) Peek() *entity.RenderJob {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.job
}

// Deliver offers an annotated image for seq. It is accepted only when a
// job is pending, seq matches, and the payload is plausible. Re-delivery
// for an already-accepted seq is a no-op DeliverOK.
func (g *Gate) Deliver(seq int64, imageB64 string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.job == nil {
		return DeliverNoPending
	}
	if seq != g.job.Seq {
		return DeliverStale
	}
	if len(imageB64) < minImageB64 {
		return DeliverBadPayload
	}
	if g.delivered != "" {
		return DeliverOK
	}
	g.delivered = imageB64
	close(g.ready)
	return DeliverOK
}

// Await blocks until an accepted image for seq exists, the timeout elapses,
// or ctx is cancelled. On success the slot is cleared and the image
// returned; the same image can never be consumed twice.
func (g *Gate) Await(ctx context.Context, seq int64, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		g.mu.Lock()
		if g.job != nil && g.job.Seq == seq && g.delivered != "" {
			img := g.delivered
			g.job = nil
			g.delivered = ""
			g.ready = make(chan struct{})
			g.mu.Unlock()
			return img, nil
		}
		// Slot was superseded or cleared from under us.
		if g.job == nil || g.job.Seq != seq {
			g.mu.Unlock()
			return "", ErrTimeout
		}
		ready := g.ready
		g.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			return "", ErrTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Reset clears the gate. Used on shutdown so a late browser POST cannot
// resurrect a dead turn.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.delivered == "" {
		close(g.ready)
	}
	g.job = nil
	g.delivered = ""
	g.ready = make(chan struct{})
}
