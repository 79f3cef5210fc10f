package notify

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"

	"steam-tracker/internal/models"
)

const (
	// queueCap bounds each channel's outbound queue; overflow evicts the
	// oldest queued message.
	queueCap = 32
	// sendInterval and sendBurst match Discord's per-channel ceiling of
	// roughly one message per second with a small burst.
	sendInterval = time.Second
	sendBurst    = 5
	// closeGrace is how long Close lets the queues flush before dropping.
	closeGrace = 5 * time.Second

	dedupCacheSize = 4096
)

// Message is one rendered notification bound for a chat channel.
type Message struct {
	ChannelID string
	Body      string
	Event     models.Event
}

// Sender delivers a message to its channel. The Discord adapter implements
// it; tests substitute fakes.
type Sender interface {
	Send(msg Message) error
}

// SubscriptionSource lists who subscribed to a title.
type SubscriptionSource interface {
	ListByTitle(titleID string) ([]models.Subscription, error)
}

// Stats are the dispatcher's lifetime counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Deduped   int64 `json:"deduped"`
	Dropped   int64 `json:"dropped"`
	Overflow  int64 `json:"overflow"`
}

// Dispatcher fans detected events out to every subscribed channel. Each
// channel gets a bounded FIFO queue drained by its own send loop through a
// token bucket, so one slow channel cannot stall the rest. A repeat of the
// same transition to the same channel inside the dedup window is suppressed.
type Dispatcher struct {
	subs            SubscriptionSource
	sender          Sender
	logger          *zap.Logger
	dedup           *expirable.LRU[string, time.Time]
	fallbackChannel string

	// send pacing, adjustable in tests
	sendEvery time.Duration
	burst     int64

	mu     sync.Mutex
	queues map[string]chan Message
	closed bool

	stop     chan struct{}
	deadline atomic.Int64
	wg       sync.WaitGroup

	observersMu sync.RWMutex
	observers   []func(models.Event)

	delivered atomic.Int64
	deduped   atomic.Int64
	dropped   atomic.Int64
	overflow  atomic.Int64
}

func NewDispatcher(subs SubscriptionSource, sender Sender, logger *zap.Logger,
	dedupWindow time.Duration) *Dispatcher {
	return &Dispatcher{
		subs:      subs,
		sender:    sender,
		logger:    logger,
		dedup:     expirable.NewLRU[string, time.Time](dedupCacheSize, nil, dedupWindow),
		sendEvery: sendInterval,
		burst:     sendBurst,
		queues:    map[string]chan Message{},
		stop:      make(chan struct{}),
	}
}

// SetFallbackChannel routes messages for subscription rows that predate
// per-channel routing and carry no channel id. Set during wiring, ahead of
// the first Dispatch.
func (d *Dispatcher) SetFallbackChannel(channelID string) {
	d.fallbackChannel = channelID
}

// AddObserver registers a hook that sees every event entering the
// dispatcher, before subscriber filtering. Register during wiring, ahead of
// the first Dispatch; observers must not block.
func (d *Dispatcher) AddObserver(fn func(models.Event)) {
	d.observersMu.Lock()
	defer d.observersMu.Unlock()
	d.observers = append(d.observers, fn)
}

// Dispatch routes one event. It only enqueues and never blocks on delivery,
// so the poller's sweep pace is independent of chat throughput.
func (d *Dispatcher) Dispatch(ev models.Event) {
	d.notifyObservers(ev)

	subs, err := d.subs.ListByTitle(ev.TitleID)
	if err != nil {
		d.logger.Error("subscriber lookup failed, event dropped",
			zap.String("title_id", ev.TitleID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		d.dropped.Add(1)
		return
	}
	if len(subs) == 0 {
		return
	}

	body := FormatEvent(ev)
	for _, sub := range subs {
		if !sub.Options.Has(ev.Kind) {
			continue
		}
		channelID := sub.ChannelID
		if channelID == "" {
			channelID = d.fallbackChannel
		}
		if channelID == "" {
			d.logger.Warn("subscription has no channel and no fallback is set",
				zap.String("title_id", ev.TitleID),
				zap.String("user_id", sub.UserID))
			d.dropped.Add(1)
			continue
		}
		key := dedupKey(ev, channelID)
		if _, seen := d.dedup.Get(key); seen {
			d.deduped.Add(1)
			continue
		}
		d.dedup.Add(key, time.Now())
		d.enqueue(Message{ChannelID: channelID, Body: body, Event: ev})
	}
}

// Stats snapshots the counters for the status surface.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Deduped:   d.deduped.Load(),
		Dropped:   d.dropped.Load(),
		Overflow:  d.overflow.Load(),
	}
}

// Close stops intake and gives the send loops a short grace to flush what is
// already queued. Anything still queued past the grace is dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.deadline.Store(time.Now().Add(closeGrace).UnixNano())
	close(d.stop)
	d.wg.Wait()

	stats := d.Stats()
	d.logger.Info("dispatcher closed",
		zap.Int64("delivered", stats.Delivered),
		zap.Int64("deduped", stats.Deduped),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("overflow", stats.Overflow))
}

func (d *Dispatcher) notifyObservers(ev models.Event) {
	d.observersMu.RLock()
	defer d.observersMu.RUnlock()
	for _, fn := range d.observers {
		fn(ev)
	}
}

// enqueue places the message on its channel queue, evicting the oldest
// queued message when the queue is full. Queues and their send loops are
// created on first use and live until Close; the map is bounded by the
// number of distinct channels seen.
func (d *Dispatcher) enqueue(msg Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.dropped.Add(1)
		return
	}
	q, ok := d.queues[msg.ChannelID]
	if !ok {
		q = make(chan Message, queueCap)
		d.queues[msg.ChannelID] = q
		d.wg.Add(1)
		go d.sendLoop(q)
	}
	d.mu.Unlock()

	for {
		select {
		case q <- msg:
			return
		default:
		}
		select {
		case <-q:
			d.overflow.Add(1)
		default:
		}
	}
}

func (d *Dispatcher) sendLoop(q chan Message) {
	defer d.wg.Done()
	bucket := ratelimit.NewBucket(d.sendEvery, d.burst)
	for {
		select {
		case msg := <-q:
			bucket.Wait(1)
			d.deliver(msg)
		case <-d.stop:
			d.drain(q, bucket)
			return
		}
	}
}

// drain empties what is left in the queue after Close, still paced by the
// bucket but only until the grace deadline.
func (d *Dispatcher) drain(q chan Message, bucket *ratelimit.Bucket) {
	deadline := time.Unix(0, d.deadline.Load())
	for {
		select {
		case msg := <-q:
			if !bucket.WaitMaxDuration(1, time.Until(deadline)) {
				d.dropped.Add(1)
				d.logger.Warn("notification dropped at shutdown",
					zap.String("channel_id", msg.ChannelID),
					zap.String("kind", string(msg.Event.Kind)))
				continue
			}
			d.deliver(msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	if err := d.sender.Send(msg); err != nil {
		d.dropped.Add(1)
		d.logger.Warn("notification send failed",
			zap.String("channel_id", msg.ChannelID),
			zap.String("kind", string(msg.Event.Kind)),
			zap.Error(err))
		return
	}
	d.delivered.Add(1)
}

// dedupKey identifies a transition per channel: same title, kind, before and
// after values landing in the same channel collapse inside the window.
func dedupKey(ev models.Event, channelID string) string {
	h := fnv.New64a()
	h.Write([]byte(ev.Before))
	h.Write([]byte{0})
	h.Write([]byte(ev.After))
	return fmt.Sprintf("%s|%s|%x|%s", ev.TitleID, ev.Kind, h.Sum64(), channelID)
}
