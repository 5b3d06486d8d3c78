// Package notify batches outbound chat notifications across four category
// queues, respecting quiet hours and a do-not-disturb deadline, and flushing
// on a fixed interval via an injected send function.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Category string

const (
	CategoryQuestion   Category = "question"
	CategoryBlocker    Category = "blocker"
	CategoryReview     Category = "review"
	CategoryCompletion Category = "completion"
)

// Notification is one message waiting to reach the configured channel.
type Notification struct {
	Category Category
	Priority Priority
	Text     string
	ThreadID string
}

// SendFunc delivers one notification. It owns its own retries: a failure
// here is terminal for this attempt.
type SendFunc func(Notification) error

type Config struct {
	ChannelID       string
	BatchInterval   time.Duration
	QuietHoursStart int // hour-of-day, inclusive
	QuietHoursEnd   int // hour-of-day, exclusive
}

type Stats struct {
	TotalSent   int64
	TotalFailed int64
}

type Controller struct {
	cfg  Config
	send SendFunc
	log  *logger.Logger
	now  func() time.Time

	mu          sync.Mutex
	queues      map[Category][]Notification
	dndDeadline time.Time
	stats       Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, send SendFunc, log *logger.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		send:   send,
		log:    log.WithFields(zap.String("component", "notify")),
		now:    time.Now,
		queues: make(map[Category][]Notification),
	}
	c.start()
	return c
}

func (c *Controller) start() {
	if c.cfg.BatchInterval <= 0 {
		return
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.BatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Flush()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Queue appends n to its category's FIFO queue for the next flush.
func (c *Controller) Queue(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[n.Category] = append(c.queues[n.Category], n)
}

// inQuietHours handles wraparound ranges (e.g. 22 -> 6 means hour >= 22 OR
// hour < 6); inclusive start, exclusive end.
func (c *Controller) inQuietHours() bool {
	start, end := c.cfg.QuietHoursStart, c.cfg.QuietHoursEnd
	if start == end {
		return false
	}
	hour := c.now().Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (c *Controller) dndActive() bool {
	return !c.dndDeadline.IsZero() && c.now().Before(c.dndDeadline)
}

func (c *Controller) shouldHold(n Notification) bool {
	if n.Priority == PriorityHigh {
		return false
	}
	return c.inQuietHours() || c.dndActive()
}

// Flush walks every queue and attempts to send each pending notification
// not held by quiet hours or DND.
func (c *Controller) Flush() {
	c.mu.Lock()
	categories := make([]Category, 0, len(c.queues))
	for cat := range c.queues {
		categories = append(categories, cat)
	}
	c.mu.Unlock()

	for _, cat := range categories {
		c.flushCategory(cat)
	}
}

func (c *Controller) flushCategory(cat Category) {
	for {
		c.mu.Lock()
		queue := c.queues[cat]
		if len(queue) == 0 {
			c.mu.Unlock()
			return
		}
		n := queue[0]
		if c.shouldHold(n) {
			c.mu.Unlock()
			return
		}
		c.queues[cat] = queue[1:]
		c.mu.Unlock()

		c.deliver(n)
	}
}

func (c *Controller) deliver(n Notification) {
	err := c.send(n)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.TotalFailed++
		c.log.WithError(err).Warn("notification send failed", zap.String("category", string(n.Category)))
		return
	}
	c.stats.TotalSent++
}

// SendImmediate bypasses the queue but still respects quiet hours / DND
// unless priority is high.
func (c *Controller) SendImmediate(n Notification) {
	c.mu.Lock()
	held := c.shouldHold(n)
	c.mu.Unlock()
	if held {
		c.Queue(n)
		return
	}
	c.deliver(n)
}

// SetDnd suppresses non-high-priority sends until now()+duration.
func (c *Controller) SetDnd(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dndDeadline = c.now().Add(duration)
}

func (c *Controller) DisableDnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dndDeadline = time.Time{}
}

func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Destroy stops the batch timer and clears every queue.
func (c *Controller) Destroy() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.wg.Wait()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = make(map[Category][]Notification)
}
