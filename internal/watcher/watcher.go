package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/actiongate/internal/dedup"
	"github.com/oktsec/actiongate/internal/metrics"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/notify"
	"github.com/oktsec/actiongate/internal/store"
)

// Well-known metadata keys copied into the action item header.
const (
	MetaKind     = "kind"
	MetaSender   = "sender"
	MetaSubject  = "subject"
	MetaTags     = "tags" // comma separated
	MetaSourceID = "source_id"
)

// ErrEmptyContent is returned by Produce for blank content.
var ErrEmptyContent = errors.New("content is empty")

// Candidate is content detected by a source, not yet deduplicated.
type Candidate struct {
	Content    string
	Metadata   map[string]string
	ReceivedAt time.Time
	// Ack, if set, is called once the candidate was stored or suppressed
	// as a duplicate.
	Ack func() error
}

// Source detects new content.
type Source interface {
	Poll(ctx context.Context) ([]Candidate, error)
}

// Triggerer is implemented by sources that can signal new content between
// polls.
type Triggerer interface {
	Trigger() <-chan struct{}
}

// Watcher turns a source's content into action items in Needs_Action.
// Produce is safe for concurrent use; checks are serialized.
type Watcher struct {
	name     string
	kind     string
	source   Source
	store    *store.Store
	ledger   Ledger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	state *State
	seen  *dedup.Set
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithMetrics records item, duplicate and health metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithNotifier reports a watcher entering the failed state.
func WithNotifier(n *notify.Notifier) Option {
	return func(w *Watcher) { w.notifier = n }
}

// WithInterval sets the polling interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// New creates a watcher named name producing items of kind. Its persisted
// state and fingerprints are loaded from ledger. source may be nil for
// push-only watchers fed through Produce.
func New(ctx context.Context, name, kind string, source Source, st *store.Store, ledger Ledger, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	if name == "" || kind == "" {
		return nil, errors.New("watcher needs a name and an item kind")
	}
	w := &Watcher{
		name:     name,
		kind:     kind,
		source:   source,
		store:    st,
		ledger:   ledger,
		logger:   logger.With("watcher", name),
		interval: time.Minute,
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}

	state, err := ledger.LoadState(ctx, name)
	if err != nil {
		return nil, err
	}
	known, err := ledger.Fingerprints(ctx, name)
	if err != nil {
		return nil, err
	}
	w.state = state
	w.seen = dedup.NewSet(known...)
	w.metrics.SetWatcherHealth(name, state.Health.Level())
	return w, nil
}

// Name returns the watcher's source name.
func (w *Watcher) Name() string { return w.name }

// State returns a copy of the current health record.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.state
}

// Seen returns the number of processed fingerprints.
func (w *Watcher) Seen() int {
	return w.seen.Len()
}

// Produce creates an action item for content unless the same content and
// metadata were seen before. It returns a nil item for duplicates.
func (w *Watcher) Produce(ctx context.Context, content string, metadata map[string]string) (*model.ActionItem, error) {
	return w.produce(ctx, Candidate{Content: content, Metadata: metadata})
}

func (w *Watcher) produce(ctx context.Context, c Candidate) (*model.ActionItem, error) {
	if strings.TrimSpace(c.Content) == "" {
		return nil, ErrEmptyContent
	}
	hash := dedup.Fingerprint(c.Content, c.Metadata)
	// Claim before storing so concurrent identical submissions yield one item.
	if !w.seen.Record(hash) {
		w.metrics.RecordDuplicate(w.name)
		w.logger.Debug("duplicate suppressed", "fingerprint", hash[:12])
		return nil, nil
	}

	received := c.ReceivedAt
	if received.IsZero() {
		received = w.now()
	}
	kind := c.Metadata[MetaKind]
	if kind == "" {
		kind = w.kind
	}
	item, err := model.NewActionItem(w.name+"-"+hash[:12], kind, received.Truncate(time.Second), c.Content)
	if err != nil {
		w.seen.Forget(hash)
		return nil, err
	}
	item.Sender = c.Metadata[MetaSender]
	item.Subject = c.Metadata[MetaSubject]
	item.SourceID = c.Metadata[MetaSourceID]
	item.Tags = splitTags(c.Metadata[MetaTags])

	doc, err := model.EncodeItem(item)
	if err != nil {
		w.seen.Forget(hash)
		return nil, err
	}
	err = w.store.Put(ctx, store.KindItem, item.ID, store.NeedsAction, doc)
	switch {
	case errors.Is(err, store.ErrConflict):
		// The item was stored before the fingerprint was recorded.
		w.remember(ctx, hash)
		w.metrics.RecordDuplicate(w.name)
		return nil, nil
	case err != nil:
		w.seen.Forget(hash)
		return nil, fmt.Errorf("storing item %s: %w", item.ID, err)
	}
	w.remember(ctx, hash)
	w.metrics.RecordItemCreated(w.name)
	w.logger.Info("action item created", "id", item.ID, "kind", item.Kind)
	return item, nil
}

// remember persists a claimed hash to the ledger. A ledger failure is
// logged; the store rejects the item id on a later replay anyway.
func (w *Watcher) remember(ctx context.Context, hash string) {
	if _, err := w.ledger.RecordFingerprint(ctx, w.name, hash); err != nil {
		w.logger.Error("persisting fingerprint failed", "error", err)
	}
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Check polls the source once, produces items for new content and records
// the outcome in the health state. It returns the number of items created.
// Once ctx is cancelled no further candidates are taken; the one in progress
// completes.
func (w *Watcher) Check(ctx context.Context) (int, error) {
	if w.source == nil {
		return 0, nil
	}
	cands, err := w.source.Poll(ctx)
	work := context.WithoutCancel(ctx)
	created := 0
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		item, perr := w.produce(work, c)
		if perr != nil {
			w.logger.Warn("producing item failed", "error", perr)
			if !errors.Is(perr, ErrEmptyContent) {
				err = errors.Join(err, perr)
				continue
			}
		}
		if item != nil {
			created++
		}
		if c.Ack != nil {
			if aerr := c.Ack(); aerr != nil {
				w.logger.Warn("acknowledging candidate failed", "error", aerr)
			}
		}
	}
	w.record(work, err)
	return created, err
}

func (w *Watcher) record(ctx context.Context, checkErr error) {
	w.mu.Lock()
	prev := w.state.Health
	if checkErr != nil {
		w.state.MarkFailure(checkErr, w.now())
	} else {
		w.state.MarkSuccess(w.now())
	}
	snapshot := *w.state
	w.mu.Unlock()

	if err := w.ledger.SaveState(ctx, &snapshot); err != nil {
		w.logger.Error("saving watcher state failed", "error", err)
	}
	w.metrics.SetWatcherHealth(w.name, snapshot.Health.Level())

	switch {
	case snapshot.Health == HealthFailed && prev != HealthFailed:
		w.logger.Error("watcher failed", "consecutive_failures", snapshot.ConsecutiveFailures, "error", snapshot.LastError)
		w.notifier.Notify(notify.Event{
			Event:  notify.EventWatcherFailed,
			Source: w.name,
			Status: string(snapshot.Health),
			Error:  snapshot.LastError,
		})
	case snapshot.Health == HealthDegraded:
		w.logger.Warn("watcher check failed", "consecutive_failures", snapshot.ConsecutiveFailures, "error", checkErr)
	case prev != HealthHealthy && snapshot.Health == HealthHealthy:
		w.logger.Info("watcher recovered")
	}
}

// Run checks the source every interval, and whenever a Triggerer source
// signals, until ctx is cancelled. Check errors never stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	var trigger <-chan struct{}
	if t, ok := w.source.(Triggerer); ok {
		trigger = t.Trigger()
	}
	w.logger.Info("watcher started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if n, err := w.Check(ctx); err == nil && n > 0 {
			w.logger.Info("watcher check complete", "created", n)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
		case <-trigger:
		}
	}
}
