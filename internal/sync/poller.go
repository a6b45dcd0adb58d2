package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/JohanCodinha/glyph/internal/logger"
)

// Event signals that a poll cycle changed cached rows.
type Event struct {
	Repo     string
	Resource string
	Outcome  Outcome
}

// Poller runs background sync cycles: the items listing on a slow
// interval, and the active item's detail on a fast one. Cycles for the
// same resource never overlap since the engine serializes per key.
type Poller struct {
	engine         *Engine
	itemInterval   time.Duration
	detailInterval time.Duration
	events         chan Event

	mu           gosync.Mutex
	activeItem   int64
	activeIsPull bool
	cancelDetail context.CancelFunc
}

// NewPoller creates a poller around an engine.
func NewPoller(engine *Engine, itemInterval, detailInterval time.Duration) *Poller {
	return &Poller{
		engine:         engine,
		itemInterval:   itemInterval,
		detailInterval: detailInterval,
		events:         make(chan Event, 16),
	}
}

// Events returns the change-notification channel. Sends never block; a
// slow consumer just misses intermediate wakeups.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// SetActiveItem switches the item whose detail gets fast polling. Any
// in-flight detail sync for the previous item is cancelled; the per-page
// transaction boundary guarantees no partially written page.
func (p *Poller) SetActiveItem(number int64, isPull bool) {
	p.mu.Lock()
	if p.cancelDetail != nil && p.activeItem != number {
		p.cancelDetail()
		p.cancelDetail = nil
	}
	p.activeItem = number
	p.activeIsPull = isPull
	p.mu.Unlock()
}

// Run polls until the context is cancelled. Labels and assignees refresh
// on the first cycle and then every tenth items cycle.
func (p *Poller) Run(ctx context.Context) {
	itemTicker := time.NewTicker(p.itemInterval)
	defer itemTicker.Stop()
	detailTicker := time.NewTicker(p.detailInterval)
	defer detailTicker.Stop()

	cycle := 0
	p.pollItems(ctx, cycle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-itemTicker.C:
			cycle++
			p.pollItems(ctx, cycle)
		case <-detailTicker.C:
			p.pollDetail(ctx)
		}
	}
}

func (p *Poller) pollItems(ctx context.Context, cycle int) {
	outcome, err := p.engine.SyncItems(ctx)
	if err != nil {
		logger.Warn("poll: items sync for %s failed: %v", p.engine.Repo(), err)
	}
	p.emit(ResourceItems, outcome)

	if cycle%10 == 0 {
		if err := p.engine.SyncLabels(ctx); err != nil {
			logger.Debug("poll: label sync for %s failed: %v", p.engine.Repo(), err)
		}
		if err := p.engine.SyncAssignees(ctx); err != nil {
			logger.Debug("poll: assignee sync for %s failed: %v", p.engine.Repo(), err)
		}
	}
}

func (p *Poller) pollDetail(ctx context.Context) {
	p.mu.Lock()
	number := p.activeItem
	isPull := p.activeIsPull
	if number == 0 {
		p.mu.Unlock()
		return
	}
	detailCtx, cancel := context.WithCancel(ctx)
	p.cancelDetail = cancel
	p.mu.Unlock()
	defer cancel()

	outcome, err := p.engine.RefreshItem(detailCtx, number)
	if err != nil {
		logger.Debug("poll: detail refresh for #%d failed: %v", number, err)
		return
	}
	p.emit("item", outcome)

	commentsOutcome, err := p.engine.SyncComments(detailCtx, number)
	if err != nil {
		logger.Debug("poll: comment sync for #%d failed: %v", number, err)
	} else {
		p.emit("comments", commentsOutcome)
	}

	if isPull {
		reviewOutcome, err := p.engine.SyncReview(detailCtx, number)
		if err != nil {
			logger.Debug("poll: review sync for #%d failed: %v", number, err)
		} else {
			p.emit("review", reviewOutcome)
		}
	}
}

func (p *Poller) emit(resource string, outcome Outcome) {
	if outcome == Unchanged {
		return
	}
	select {
	case p.events <- Event{Repo: p.engine.Repo(), Resource: resource, Outcome: outcome}:
	default:
	}
}
