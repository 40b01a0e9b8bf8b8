package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"position-manager/internal/logger"
)

// Notifier delivers one rendered alert to an external channel.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is the write side handed to trading components. A nil *Manager
// satisfies it as a no-op, so callers never need to branch on "alerts off".
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
}

// Manager fans important events out to a notifier from a dedicated goroutine.
// Important never blocks the trading loop: when the queue is full the event is
// dropped and counted, and drops are summarized periodically.
type Manager struct {
	mode       string
	instanceID string
	notifier   Notifier

	queue chan event
	stop  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	dropReportInterval time.Duration
	droppedTotal       atomic.Uint64
	droppedWindow      atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(mode, instanceID string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, instanceID, notifier, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, instanceID string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		mode:               mode,
		instanceID:         instanceID,
		notifier:           notifier,
		queue:              make(chan event, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.sendLoop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		inWindow := m.droppedWindow.Add(1)
		// First drop of a window is logged immediately; the rest wait for
		// the periodic summary.
		if inWindow == 1 {
			logger.Event("alert_queue_dropped").
				WithField("target_event", name).
				WithField("dropped_total", total).
				WithField("queue_cap", cap(m.queue)).
				Warn("alert queue full")
		}
	}
}

// Close stops the manager after flushing everything already queued.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sendLoop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDrops()
		case <-m.stop:
			m.reportDrops()
			return
		}
	}
}

func (m *Manager) reportDrops() {
	dropped := m.droppedWindow.Swap(0)
	if dropped == 0 {
		return
	}
	logger.Event("alert_queue_dropped_report").
		WithField("dropped_since_last", dropped).
		WithField("dropped_total", m.droppedTotal.Load()).
		Warn("alerts dropped while queue was full")
}

func (m *Manager) droppedStats() (total, window uint64) {
	if m == nil {
		return 0, 0
	}
	return m.droppedTotal.Load(), m.droppedWindow.Load()
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.render(ev.name, ev.fields)); err != nil {
		logger.Event("alert_notify_failed").
			WithField("target_event", ev.name).
			Error(err.Error())
	}
}

func (m *Manager) render(name string, fields map[string]string) string {
	lines := []string{
		"[" + m.instanceID + "] " + name,
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"mode: " + m.mode,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
