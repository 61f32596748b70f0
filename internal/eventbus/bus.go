package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/duraflow/agentrun/internal/journal"
)

// subscriberBuffer bounds how many unconsumed entries a slow subscriber may
// accumulate before it is dropped.
const subscriberBuffer = 64

// ErrOverflow describes a subscriber dropped for falling behind. The HTTP
// surface constructs one to render the `event: error` SSE frame it sends
// on Subscription.Overflowed. The client is expected to reconnect with a
// since-sequence cursor.
type ErrOverflow struct{ RunID string }

func (e *ErrOverflow) Error() string {
	return fmt.Sprintf("eventbus: subscriber for run %s overflowed and was dropped", e.RunID)
}

type subscriber struct {
	ch         chan journal.Entry
	overflowed chan struct{}
}

// Bus is the in-process, per-run broadcaster. It fans journal appends out
// to live SSE subscribers using the replay-then-follow protocol: a
// subscriber reads history from the Store up to the broadcaster's high
// watermark, then continues from its buffered channel, with no gap and no
// duplicate.
type Bus struct {
	store *journal.Store

	mu    sync.Mutex
	subs  map[string]map[*subscriber]struct{}
	highw map[string]int
}

// NewBus creates an in-process Bus backed by the given journal Store.
func NewBus(store *journal.Store) *Bus {
	return &Bus{
		store: store,
		subs:  make(map[string]map[*subscriber]struct{}),
		highw: make(map[string]int),
	}
}

// Publish must be called by the writer (Run Engine) strictly after the
// corresponding journal entry has been committed to the Store. It updates
// the broadcaster's high watermark and delivers the entry to every
// subscriber currently registered for the run.
func (b *Bus) Publish(entry journal.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry.Sequence > b.highw[entry.RunID] {
		b.highw[entry.RunID] = entry.Sequence
	}

	subs := b.subs[entry.RunID]
	for sub := range subs {
		select {
		case sub.ch <- entry:
		default:
			// Slow consumer: drop it rather than block the publisher, and
			// signal the drop distinctly from a normal terminal close so
			// the subscriber can tell the two apart.
			delete(subs, sub)
			close(sub.ch)
			close(sub.overflowed)
		}
	}
}

// Subscription is a live view of a run's journal, delivered in two phases:
// Replay (already-populated) then Live (a channel of subsequent entries).
// Callers must range over Live after consuming Replay; the channel closes
// when the run reaches a terminal entry or the subscriber overflows. After
// Live closes, Overflowed is readable without blocking: closed if the
// subscriber was dropped for falling behind, otherwise left open (select
// with a default case to distinguish the two).
type Subscription struct {
	Replay     []journal.Entry
	Live       <-chan journal.Entry
	Overflowed <-chan struct{}

	bus   *Bus
	runID string
	sub   *subscriber
}

// Close unregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.runID]; ok {
		if _, present := subs[s.sub]; present {
			delete(subs, s.sub)
			close(s.sub.ch)
		}
	}
}

// Subscribe implements the replay-then-follow protocol.
//
// Algorithm:
//  1. Register the subscriber and note the high watermark H under the same
//     lock, so a concurrent Publish either fully precedes this (and its
//     entry is in the Store read below) or fully follows it (and its entry
//     arrives on Live, and may also be in the Store read); never neither.
//  2. Load Replay as every committed entry with sequence > sinceSequence
//     from the Store. The Store read, not H, is authoritative for history:
//     a broadcaster in a freshly started process knows nothing about
//     entries committed before it existed, but they are all in the Store.
//  3. Entries delivered on Live with sequence <= max(H, sinceSequence,
//     last replayed sequence) are skipped: those are the entries that were
//     both read in step 2 and buffered by a Publish racing the registration,
//     or that precede the caller's cursor.
func (b *Bus) Subscribe(ctx context.Context, runID string, sinceSequence int) (*Subscription, error) {
	b.mu.Lock()
	h := b.highw[runID]
	sub := &subscriber{ch: make(chan journal.Entry, subscriberBuffer), overflowed: make(chan struct{})}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscriber]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	replay, err := b.store.List(ctx, runID, sinceSequence)
	if err != nil {
		b.unregister(runID, sub)
		return nil, err
	}

	skip := h
	if sinceSequence > skip {
		skip = sinceSequence
	}
	if n := len(replay); n > 0 && replay[n-1].Sequence > skip {
		skip = replay[n-1].Sequence
	}

	live := make(chan journal.Entry, subscriberBuffer)
	go func() {
		defer close(live)
		for e := range sub.ch {
			if e.Sequence <= skip {
				continue
			}
			select {
			case live <- e:
			case <-ctx.Done():
				return
			}
			if e.Kind.Terminal() {
				return
			}
		}
	}()

	return &Subscription{
		Replay:     replay,
		Live:       live,
		Overflowed: sub.overflowed,
		bus:        b,
		runID:      runID,
		sub:        sub,
	}, nil
}

func (b *Bus) unregister(runID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[runID]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			close(sub.ch)
		}
	}
}
