// Package documents implements the document tools: createDocument,
// updateDocument and requestSuggestions. Generated text is streamed to the
// client through the running tool call while it is produced.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/prompts"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

const (
	CreateDocumentName     = "createDocument"
	UpdateDocumentName     = "updateDocument"
	RequestSuggestionsName = "requestSuggestions"

	// DefaultMaxSuggestions bounds the suggestions kept from one request.
	DefaultMaxSuggestions = 5
)

// ErrDocumentNotFound is the tool failure for a missing or foreign document.
var ErrDocumentNotFound = errors.New("Document not found") //nolint:staticcheck // shown to the model verbatim

// Config wires the document tools.
type Config struct {
	// Catalog resolves the model that drafts content. The running turn's model
	// is used unless Model is set.
	Catalog *agent.Catalog
	Model   string

	// Documents is read to load the latest version of a document.
	Documents storage.DocumentStore

	// Writer persists new versions and suggestions.
	Writer *persist.Writer

	// Prompts supplies the drafting prompts. Nil uses prompts.Default.
	Prompts prompts.Source

	MaxSuggestions int
	Logger         *slog.Logger

	newID func() string
	now   func() time.Time
}

// Tools holds the document tools sharing one configuration.
type Tools struct {
	config Config
	logger *slog.Logger
}

// New validates config and returns the document tools.
func New(config Config) (*Tools, error) {
	if config.Catalog == nil {
		return nil, errors.New("documents: model catalog is required")
	}
	if config.Documents == nil || config.Writer == nil {
		return nil, errors.New("documents: document store and writer are required")
	}
	if config.Prompts == nil {
		config.Prompts = prompts.Static(prompts.Default())
	}
	if config.MaxSuggestions <= 0 {
		config.MaxSuggestions = DefaultMaxSuggestions
	}
	if config.newID == nil {
		config.newID = uuid.NewString
	}
	if config.now == nil {
		config.now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{config: config, logger: logger.With("component", "documents")}, nil
}

// Register adds all document tools to registry.
func (t *Tools) Register(registry *agent.ToolRegistry) error {
	builders := []func() (agent.Tool, error){t.CreateDocument, t.UpdateDocument, t.RequestSuggestions}
	for _, build := range builders {
		tool, err := build()
		if err != nil {
			return err
		}
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Result is returned to the model by createDocument and updateDocument.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type createParams struct {
	Title string `json:"title" jsonschema:"minLength=1,description=Title of the document to create"`
}

// CreateDocument builds the createDocument tool. It streams id, title and
// clear events followed by the drafted text, then stores the first version
// under the requesting user.
func (t *Tools) CreateDocument() (agent.Tool, error) {
	return agent.NewTypedTool(CreateDocumentName,
		"Create a document for writing activities. The content is drafted from the title.",
		func(ctx context.Context, p createParams) (any, error) {
			owner, err := requester(ctx)
			if err != nil {
				return nil, err
			}
			id := t.config.newID()
			for _, ev := range []stream.Event{
				{Type: stream.EventID, Content: id},
				{Type: stream.EventTitle, Content: p.Title},
				{Type: stream.EventClear, Content: ""},
			} {
				if err := agent.EmitToolEvent(ctx, ev); err != nil {
					return nil, err
				}
			}

			content, err := t.draft(ctx, t.config.Prompts.Current().CreateDocument, p.Title)
			if err != nil {
				return nil, err
			}
			t.save(ctx, &models.Document{ID: id, OwnerID: owner, Title: p.Title, Content: content})
			return Result{ID: id, Title: p.Title, Content: content}, nil
		})
}

type updateParams struct {
	ID          string `json:"id" jsonschema:"minLength=1,description=ID of the document to update"`
	Content     string `json:"content,omitempty" jsonschema:"description=Full replacement content"`
	Description string `json:"description,omitempty" jsonschema:"description=Description of the changes to make"`
}

// UpdateDocument builds the updateDocument tool. Content replaces the document
// as is; a description regenerates it, streamed as clear plus text deltas.
// Either way a new version is stored.
func (t *Tools) UpdateDocument() (agent.Tool, error) {
	return agent.NewTypedTool(UpdateDocumentName,
		"Update a document with new content, or with a description of the changes to make.",
		func(ctx context.Context, p updateParams) (any, error) {
			owner, err := requester(ctx)
			if err != nil {
				return nil, err
			}
			if p.Content == "" && p.Description == "" {
				return nil, fmt.Errorf("%w: content or description is required", agent.ErrInvalidToolInput)
			}
			doc, err := t.load(ctx, p.ID, owner)
			if err != nil {
				return nil, err
			}

			if err := agent.EmitToolEvent(ctx, stream.Event{Type: stream.EventClear, Content: ""}); err != nil {
				return nil, err
			}
			content := p.Content
			if content != "" {
				if err := agent.EmitToolEvent(ctx, stream.TextDelta(content)); err != nil {
					return nil, err
				}
			} else {
				system := t.config.Prompts.Current().UpdateDocumentFor(doc.Content)
				content, err = t.draft(ctx, system, p.Description)
				if err != nil {
					return nil, err
				}
			}

			t.save(ctx, &models.Document{ID: doc.ID, OwnerID: owner, Title: doc.Title, Content: content})
			return Result{ID: doc.ID, Title: doc.Title, Content: content}, nil
		})
}

// requester returns the user the running turn acts for.
func requester(ctx context.Context) (string, error) {
	info, ok := agent.TurnFromContext(ctx)
	if !ok || info.UserID == "" {
		return "", errors.New("no user for document operation")
	}
	return info.UserID, nil
}

// load returns the latest version of id. Documents owned by someone else are
// reported as missing.
func (t *Tools) load(ctx context.Context, id, owner string) (*models.Document, error) {
	doc, err := t.config.Documents.GetDocument(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && doc.OwnerID != owner) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return doc, nil
}

func (t *Tools) provider(ctx context.Context) (agent.LLMProvider, string, error) {
	model := t.config.Model
	if model == "" {
		if info, ok := agent.TurnFromContext(ctx); ok {
			model = info.Model
		}
	}
	provider, resolved, ok := t.config.Catalog.Resolve(model)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", agent.ErrUnknownModel, model)
	}
	return provider, resolved, nil
}

// draft generates text for prompt and streams every delta to the client.
func (t *Tools) draft(ctx context.Context, system, prompt string) (string, error) {
	provider, model, err := t.provider(ctx)
	if err != nil {
		return "", err
	}
	return agent.StreamText(ctx, provider, &agent.CompletionRequest{
		Model:    model,
		System:   system,
		Messages: []agent.CompletionMessage{{Role: "user", Content: prompt}},
	}, func(delta string) error {
		return agent.EmitToolEvent(ctx, stream.TextDelta(delta))
	})
}

// save stores a new version. A failed write is already logged and recorded
// by the writer; the document the client saw is still returned to the model.
func (t *Tools) save(ctx context.Context, doc *models.Document) {
	doc.CreatedAt = t.config.now()
	if result := t.config.Writer.SaveDocument(ctx, doc); result.Soft() {
		t.logger.WarnContext(ctx, "document version not stored",
			"document_id", doc.ID,
			"attempts", result.Attempts,
			"error", result.Err,
		)
	}
}
