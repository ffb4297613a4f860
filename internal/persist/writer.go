// Package persist writes turn output to storage with bounded retries. Failures
// that survive the retries are soft: they are logged, counted and recorded as
// gaps, and never interrupt the stream that produced the data.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/internal/retry"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// Operation names a persistence write.
type Operation string

const (
	OpSaveChat          Operation = "save_chat"
	OpSaveMessages      Operation = "save_messages"
	OpSaveDocument      Operation = "save_document"
	OpSaveSuggestions   Operation = "save_suggestions"
	OpResolveSuggestion Operation = "resolve_suggestion"
)

// ErrInvalid marks input that can never be stored; it is not retried.
var ErrInvalid = errors.New("invalid persistence input")

// Result reports what a write did.
type Result struct {
	Operation Operation
	// Attempts counts tries made under the retry policy, including the first.
	Attempts int
	// Collisions counts document version conflicts resolved along the way.
	Collisions int
	Err        error
	Duration   time.Duration
}

// OK reports whether the write succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Soft reports a failed write. Callers that are streaming treat it as a
// degraded outcome rather than a turn failure.
func (r Result) Soft() bool { return r.Err != nil }

// Config controls retries and version collision handling.
type Config struct {
	Retry retry.Config
	// MaxVersionCollisions bounds the regenerate-and-retry loop for document
	// versions within one attempt.
	MaxVersionCollisions int
}

// DefaultConfig returns three attempts with 1s and 2s waits and up to five
// version collisions per attempt.
func DefaultConfig() Config {
	return Config{
		Retry:                retry.PersistenceConfig(),
		MaxVersionCollisions: 5,
	}
}

// Writer persists chats, messages, documents and suggestions.
type Writer struct {
	store   storage.Store
	config  Config
	gaps    *GapLog
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(w *Writer) { w.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(w *Writer) { w.tracer = tracer }
}

// WithGapLog sets where exhausted writes are recorded.
func WithGapLog(gaps *GapLog) Option {
	return func(w *Writer) {
		if gaps != nil {
			w.gaps = gaps
		}
	}
}

// WithClock overrides the clock used for document versions.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithSleep overrides the wait between retries.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(w *Writer) { w.config.Retry.Sleep = sleep }
}

// NewWriter creates a writer over store.
func NewWriter(store storage.Store, config Config, opts ...Option) *Writer {
	if config.MaxVersionCollisions <= 0 {
		config.MaxVersionCollisions = DefaultConfig().MaxVersionCollisions
	}
	if config.Retry.MaxAttempts <= 0 {
		sleep := config.Retry.Sleep
		config.Retry = retry.PersistenceConfig()
		config.Retry.Sleep = sleep
	}
	w := &Writer{
		store:  store,
		config: config,
		gaps:   NewGapLog(DefaultGapLogSize),
		logger: slog.Default().With("component", "persist"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Gaps returns the writer's gap log.
func (w *Writer) Gaps() *GapLog { return w.gaps }

// SaveChat creates a chat record. storage.ErrAlreadyExists is returned as is so
// callers can resolve create races.
func (w *Writer) SaveChat(ctx context.Context, chat *models.Chat) Result {
	if chat == nil || chat.ID == "" {
		return w.invalid(OpSaveChat, "chat id is required")
	}
	return w.run(ctx, Gap{Operation: OpSaveChat, ChatID: chat.ID, Chat: chat}, func(ctx context.Context) error {
		return w.store.CreateChat(ctx, chat)
	})
}

// SaveMessages appends messages. Messages already stored are skipped, so a
// retried or replayed batch never duplicates rows.
func (w *Writer) SaveMessages(ctx context.Context, messages []*models.Message) Result {
	if len(messages) == 0 {
		return Result{Operation: OpSaveMessages}
	}
	for _, msg := range messages {
		if msg == nil || msg.ID == "" || msg.ChatID == "" || !msg.Role.Valid() {
			return w.invalid(OpSaveMessages, "message id, chat id and role are required")
		}
	}
	gap := Gap{Operation: OpSaveMessages, ChatID: messages[0].ChatID, Messages: messages}
	return w.run(ctx, gap, func(ctx context.Context) error {
		return w.store.AppendMessages(ctx, messages)
	})
}

// SaveDocument stores doc as a new version. When the version collides with an
// existing one, a strictly later version is generated and the insert repeated.
// On success doc.CreatedAt holds the stored version.
func (w *Writer) SaveDocument(ctx context.Context, doc *models.Document) Result {
	if doc == nil || doc.ID == "" {
		return w.invalid(OpSaveDocument, "document id is required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = w.now()
	}
	doc.CreatedAt = models.VersionTime(doc.CreatedAt)

	collisions := 0
	result := w.run(ctx, Gap{Operation: OpSaveDocument, Document: doc}, func(ctx context.Context) error {
		n, err := w.insertVersion(ctx, doc)
		collisions += n
		return err
	})
	result.Collisions = collisions
	return result
}

func (w *Writer) insertVersion(ctx context.Context, doc *models.Document) (int, error) {
	collisions := 0
	for {
		err := w.store.InsertDocumentVersion(ctx, doc)
		if !errors.Is(err, storage.ErrVersionConflict) {
			return collisions, err
		}
		collisions++
		if collisions > w.config.MaxVersionCollisions {
			return collisions, fmt.Errorf("document %s: %d version collisions: %w", doc.ID, collisions, err)
		}
		latest, err := w.store.GetDocument(ctx, doc.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return collisions, err
		}
		doc.CreatedAt = NextVersion(w.now(), latest)
		w.logger.DebugContext(ctx, "document version collision",
			"document_id", doc.ID,
			"collisions", collisions,
			"next_version", doc.CreatedAt,
		)
	}
}

// NextVersion returns a version strictly later than latest and no earlier than
// now, at version precision.
func NextVersion(now time.Time, latest *models.Document) time.Time {
	next := models.VersionTime(now)
	if latest != nil && !next.After(latest.CreatedAt) {
		next = models.VersionTime(latest.CreatedAt).Add(models.VersionPrecision)
	}
	return next
}

// SaveSuggestions stores suggestions tied to a document version.
func (w *Writer) SaveSuggestions(ctx context.Context, suggestions []*models.Suggestion) Result {
	if len(suggestions) == 0 {
		return Result{Operation: OpSaveSuggestions}
	}
	gap := Gap{Operation: OpSaveSuggestions, Suggestions: suggestions}
	return w.run(ctx, gap, func(ctx context.Context) error {
		return w.store.InsertSuggestions(ctx, suggestions)
	})
}

// ResolveSuggestion marks a suggestion resolved.
func (w *Writer) ResolveSuggestion(ctx context.Context, id string) Result {
	if id == "" {
		return w.invalid(OpResolveSuggestion, "suggestion id is required")
	}
	return w.run(ctx, Gap{Operation: OpResolveSuggestion, SuggestionID: id}, func(ctx context.Context) error {
		return w.store.ResolveSuggestion(ctx, id)
	})
}

func (w *Writer) run(ctx context.Context, gap Gap, op func(context.Context) error) Result {
	ctx, span := w.tracer.TracePersistence(ctx, string(gap.Operation))
	defer span.End()

	res := retry.Do(ctx, w.config.Retry, func() error {
		return classify(op(ctx))
	})
	result := Result{
		Operation: gap.Operation,
		Attempts:  res.Attempts,
		Err:       unwrapPermanent(res.Err),
		Duration:  res.Duration,
	}
	w.metrics.RecordPersistence(string(gap.Operation), result.Err)
	if result.Err == nil {
		return result
	}

	w.tracer.RecordError(span, result.Err)
	if retry.IsPermanent(res.Err) || errors.Is(result.Err, context.Canceled) {
		w.logger.WarnContext(ctx, "persistence write rejected",
			"operation", gap.Operation,
			"attempts", result.Attempts,
			"error", result.Err,
		)
		return result
	}

	gap.Err = result.Err.Error()
	gap.Attempts = result.Attempts
	gap.RecordedAt = w.now()
	w.gaps.Record(gap)
	w.metrics.RecordPersistenceGap(string(gap.Operation))
	w.logger.ErrorContext(ctx, "persistence write failed after retries",
		"operation", gap.Operation,
		"chat_id", gap.ChatID,
		"attempts", result.Attempts,
		"error", result.Err,
	)
	return result
}

// apply runs a recorded gap once, without retries or gap recording.
func (w *Writer) apply(ctx context.Context, gap Gap) error {
	switch gap.Operation {
	case OpSaveChat:
		err := w.store.CreateChat(ctx, gap.Chat)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil
		}
		return err
	case OpSaveMessages:
		return w.store.AppendMessages(ctx, gap.Messages)
	case OpSaveDocument:
		_, err := w.insertVersion(ctx, gap.Document)
		return err
	case OpSaveSuggestions:
		err := w.store.InsertSuggestions(ctx, gap.Suggestions)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil
		}
		return err
	case OpResolveSuggestion:
		return w.store.ResolveSuggestion(ctx, gap.SuggestionID)
	default:
		return fmt.Errorf("unknown operation %q", gap.Operation)
	}
}

func (w *Writer) invalid(op Operation, msg string) Result {
	err := fmt.Errorf("%s: %w", msg, ErrInvalid)
	w.metrics.RecordPersistence(string(op), err)
	return Result{Operation: op, Err: err}
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, ErrInvalid):
		return retry.Permanent(err)
	default:
		return err
	}
}

func unwrapPermanent(err error) error {
	var permanent *retry.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
