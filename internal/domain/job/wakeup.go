package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
)

// ErrListenerRequired is returned when a Hub has nothing to listen on.
var ErrListenerRequired = errors.New("wakeup listener is required")

// Listener blocks until the queue announces a new job of jobType. The
// Postgres job repository implements it with LISTEN/NOTIFY.
type Listener interface {
	WaitForNotification(ctx context.Context, jobType model.JobType) error
}

// Wakeups tells idle runners that a job of their type may be waiting.
type Wakeups interface {
	Subscribe(jobType model.JobType) (unsubscribe func(), wake <-chan struct{})
	StopAll()
}

// HubOptions configure a Hub.
type HubOptions struct {
	Listener Listener
	// Window bounds one wait so a dropped connection is noticed. Default 1m.
	Window time.Duration
	// Retry is the pause after a failed wait. Default 250ms.
	Retry time.Duration
}

// Hub runs one listener per job type that has subscribers and fans each
// announcement out to them. A wake is also sent when a wait window ends
// so runners poll at least once per window.
type Hub struct {
	listener Listener
	window   time.Duration
	retry    time.Duration

	mu    sync.Mutex
	lanes map[model.JobType]*lane
}

type lane struct {
	stop context.CancelFunc
	subs map[chan struct{}]struct{}
}

// NewHub returns a Hub with no listeners running.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Listener == nil {
		return nil, ErrListenerRequired
	}
	h := &Hub{
		listener: opts.Listener,
		window:   opts.Window,
		retry:    opts.Retry,
		lanes:    make(map[model.JobType]*lane),
	}
	if h.window <= 0 {
		h.window = time.Minute
	}
	if h.retry <= 0 {
		h.retry = 250 * time.Millisecond
	}
	return h, nil
}

// Subscribe registers a runner for jobType. The wake channel is buffered by
// one so bursts collapse into a single wake; it is closed on unsubscribe.
func (h *Hub) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.lanes[jobType]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		l = &lane{stop: cancel, subs: make(map[chan struct{}]struct{})}
		h.lanes[jobType] = l
		go h.listen(ctx, jobType)
	}
	ch := make(chan struct{}, 1)
	l.subs[ch] = struct{}{}

	var once sync.Once
	return func() { once.Do(func() { h.unsubscribe(jobType, ch) }) }, ch
}

func (h *Hub) unsubscribe(jobType model.JobType, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.lanes[jobType]
	if !ok {
		return
	}
	if _, ok := l.subs[ch]; !ok {
		return
	}
	delete(l.subs, ch)
	close(ch)
	if len(l.subs) == 0 {
		l.stop()
		delete(h.lanes, jobType)
	}
}

// StopAll ends every listener and closes every wake channel.
func (h *Hub) StopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobType, l := range h.lanes {
		l.stop()
		for ch := range l.subs {
			close(ch)
		}
		delete(h.lanes, jobType)
	}
}

func (h *Hub) listen(ctx context.Context, jobType model.JobType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, h.window)
		err := h.listener.WaitForNotification(waitCtx, jobType)
		cancel()
		if ctx.Err() != nil {
			return
		}
		h.wake(jobType)
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.retry):
		}
	}
}

func (h *Hub) wake(jobType model.JobType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.lanes[jobType]
	if !ok {
		return
	}
	for ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

var _ Wakeups = (*Hub)(nil)
