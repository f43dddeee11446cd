package wsproxy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mockwire/wsintercept/internal/wsproxy")

// Matcher tests a single predicate against an inbound upgrade request.
// Concrete matchers live in internal/wsproxy/matcher and satisfy this
// interface structurally, avoiding an import cycle back into wsproxy.
type Matcher interface {
	Match(req RequestInfo) bool
	String() string
}

// CompletionPredicate decides whether a rule has seen enough requests to
// be considered done, mirroring isComplete().
type CompletionPredicate interface {
	IsComplete(count uint64) bool
	String() string
}

// AtLeast is a CompletionPredicate satisfied once count reaches N.
type AtLeast struct{ N uint64 }

func (a AtLeast) IsComplete(count uint64) bool { return count >= a.N }
func (a AtLeast) String() string               { return fmt.Sprintf("at least %d requests", a.N) }

// ExchangeSnapshot is the resolved value of an ExchangeRecord future:
// the completed request (method, URL, headers, body) with its timing,
// handler variant and error; no response fields are recorded.
type ExchangeSnapshot struct {
	Method    string
	URL       string
	Headers   []HeaderField
	Body      []byte
	StartedAt time.Time
	EndedAt   time.Time
	Variant   HandlerVariantTag
	Err       error
}

// ExchangeRecord is a future value: pushed into a rule's record sequence
// before it resolves, so concurrent observers see it as pending, then
// resolved exactly once.
type ExchangeRecord struct {
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	snapshot ExchangeSnapshot
}

// NewExchangeRecord returns an unresolved record.
func NewExchangeRecord() *ExchangeRecord {
	return &ExchangeRecord{done: make(chan struct{})}
}

// Resolve completes the future exactly once; subsequent calls are no-ops,
// mirroring a future's single-assignment contract.
func (r *ExchangeRecord) Resolve(snapshot ExchangeSnapshot) {
	r.once.Do(func() {
		r.mu.Lock()
		r.snapshot = snapshot
		r.mu.Unlock()
		close(r.done)
	})
}

// Pending reports whether the record has not yet resolved.
func (r *ExchangeRecord) Pending() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the record resolves or ctx is cancelled.
func (r *ExchangeRecord) Wait(ctx context.Context) (ExchangeSnapshot, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshot, nil
	case <-ctx.Done():
		return ExchangeSnapshot{}, ctx.Err()
	}
}

// Rule glues a matcher set, a handler, and an optional completion
// predicate into the unit the dispatcher queries. All mutable state is
// guarded by its own mutex; rules never need cross-rule synchronization.
type Rule struct {
	ID         string
	Matchers   []Matcher
	Handler    Handler
	Completion CompletionPredicate
	Record     bool

	mu      sync.Mutex
	counter uint64
	records *queue.Queue

	disposed bool
}

// NewRule constructs a Rule, generating an ID with google/uuid when id
// is empty.
func NewRule(id string, matchers []Matcher, handler Handler, completion CompletionPredicate, record bool) *Rule {
	if id == "" {
		id = uuid.NewString()
	}
	return &Rule{
		ID:         id,
		Matchers:   matchers,
		Handler:    handler,
		Completion: completion,
		Record:     record,
		records:    queue.New(),
	}
}

// Matches reports whether every matcher accepts req (conjunction).
func (r *Rule) Matches(req RequestInfo) bool {
	for _, m := range r.Matchers {
		if !m.Match(req) {
			return false
		}
	}
	return true
}

// Handle invokes the rule's handler for one session, incrementing the
// request counter unconditionally and, if recording is enabled, pushing
// the exchange record into the sequence before the handler runs — so
// concurrent readers of Records observe it as pending before it
// resolves.
func (r *Rule) Handle(ctx context.Context, session *Session) error {
	ctx, span := tracer.Start(ctx, "rule.handle",
		trace.WithAttributes(
			attribute.String("rule.id", r.ID),
			attribute.String("rule.handler", string(r.Handler.Tag())),
		),
	)
	defer span.End()

	r.mu.Lock()
	r.counter++
	var record *ExchangeRecord
	if r.Record {
		record = NewExchangeRecord()
		r.records.Add(record)
	}
	r.mu.Unlock()

	started := sessionClock()
	err := r.Handler.Handle(ctx, session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if record != nil {
		record.Resolve(ExchangeSnapshot{
			Method:    session.Request.Method,
			URL:       session.Request.URL,
			Headers:   session.Request.RawHeaders,
			StartedAt: started,
			EndedAt:   sessionClock(),
			Variant:   r.Handler.Tag(),
			Err:       err,
		})
	}
	return err
}

// sessionClock is the one place wall-clock time enters exchange
// snapshots, isolated so tests can observe ordering without depending on
// real elapsed time.
var sessionClock = time.Now

// Count returns the current request counter.
func (r *Rule) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// Records returns a snapshot slice of the rule's exchange records in
// dispatch order. The queue is copied under lock; callers Wait() on
// individual records outside the lock.
func (r *Rule) Records() []*ExchangeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ExchangeRecord, r.records.Length())
	for i := 0; i < r.records.Length(); i++ {
		out[i] = r.records.Get(i).(*ExchangeRecord)
	}
	return out
}

// IsComplete delegates to the completion predicate with the current
// counter. The second return value is false when no predicate is
// configured, standing in for "undefined" sentinel.
func (r *Rule) IsComplete() (complete bool, ok bool) {
	if r.Completion == nil {
		return false, false
	}
	return r.Completion.IsComplete(r.Count()), true
}

// Explain composes a human-readable summary from the matchers, handler,
// and completion predicate, in a key=value log-line style.
// withoutExactCompletion omits the predicate's exact threshold, useful
// when rendering a rule list where only presence/absence matters.
func (r *Rule) Explain(withoutExactCompletion bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule id=%s handler=%s", r.ID, r.Handler.Tag())
	if len(r.Matchers) > 0 {
		parts := make([]string, len(r.Matchers))
		for i, m := range r.Matchers {
			parts[i] = m.String()
		}
		fmt.Fprintf(&b, " matches=[%s]", strings.Join(parts, ", "))
	}
	if r.Completion != nil {
		if withoutExactCompletion {
			b.WriteString(" completion=configured")
		} else {
			fmt.Fprintf(&b, " completion=%s", r.Completion.String())
		}
	}
	fmt.Fprintf(&b, " count=%d", r.Count())
	return b.String()
}

// Dispose cascades disposal to the handler, matchers, and completion
// predicate. Disposers are best-effort: a component that does not hold
// disposable resources simply has no Dispose method and is skipped.
func (r *Rule) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.mu.Unlock()

	type disposer interface{ Dispose() }
	if d, ok := r.Handler.(disposer); ok {
		d.Dispose()
	}
	for _, m := range r.Matchers {
		if d, ok := m.(disposer); ok {
			d.Dispose()
		}
	}
	if d, ok := r.Completion.(disposer); ok {
		d.Dispose()
	}
}

// RuleSet is an ordered collection of Rules dispatched first-match-wins:
// a minimal dispatcher, not a full rule engine.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*Rule
}

func NewRuleSet() *RuleSet { return &RuleSet{} }

// Add appends a rule to the end of dispatch order.
func (rs *RuleSet) Add(r *Rule) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, r)
}

// Remove disposes and removes the rule with the given ID, if present.
func (rs *RuleSet) Remove(id string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, r := range rs.rules {
		if r.ID == id {
			r.Dispose()
			rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch returns the first rule whose matchers all accept req, or nil.
func (rs *RuleSet) Dispatch(req RequestInfo) *Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, r := range rs.rules {
		if r.Matches(req) {
			return r
		}
	}
	return nil
}

// All returns a snapshot of the rule set in dispatch order.
func (rs *RuleSet) All() []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Dispose cascades to every rule in the set.
func (rs *RuleSet) Dispose() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.rules {
		r.Dispose()
	}
	rs.rules = nil
}
