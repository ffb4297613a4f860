// Package prompts holds the system prompts used by turns, title generation and
// the document tools, with optional overrides loaded from a file.
package prompts

import "strings"

// Set is one complete collection of prompts. Empty fields in an override fall
// back to the defaults.
type Set struct {
	// Regular is the assistant persona.
	Regular string `yaml:"regular" json:"regular,omitempty"`

	// Blocks explains the document tools to the model. It is appended to
	// Regular to form the turn system prompt.
	Blocks string `yaml:"blocks" json:"blocks,omitempty"`

	// Title turns a first user message into a chat title.
	Title string `yaml:"title" json:"title,omitempty"`

	// CreateDocument drafts a new document from its title.
	CreateDocument string `yaml:"create_document" json:"create_document,omitempty"`

	// UpdateDocument rewrites a document from a description of the change. The
	// current content is appended.
	UpdateDocument string `yaml:"update_document" json:"update_document,omitempty"`

	// Suggestions asks for JSON-lines writing suggestions.
	Suggestions string `yaml:"suggestions" json:"suggestions,omitempty"`
}

const defaultRegular = `You are a friendly assistant! Keep your responses concise and helpful.`

const defaultBlocks = `Blocks is a user interface mode for writing and editing. When a block is open it sits beside the conversation, and document changes appear in it in real time.

Use the createDocument and updateDocument tools to render content in a block.

When to use createDocument:
- For substantial content (more than 10 lines)
- For content the user will likely save or reuse (emails, code, essays)
- When explicitly asked to create a document

When NOT to use createDocument:
- For informational or explanatory content
- For conversational responses
- When asked to keep it in the chat

Using updateDocument:
- Default to full rewrites for major changes
- Use targeted updates only for specific, isolated changes
- Follow the user's instructions about which parts to modify

Do not update a document right after creating it. Wait for user feedback or a request to update it.`

const defaultTitle = `You will generate a short title based on the first message a user begins a conversation with.
Ensure it is not more than 80 characters long.
The title should be a summary of the user's message.
Do not use quotes or colons.`

const defaultCreateDocument = `Write about the given topic. Markdown is supported. Use headings wherever appropriate.`

const defaultUpdateDocument = `Improve the following contents of the document based on the given prompt.`

const defaultSuggestions = `You are a help writing assistant. Given a piece of writing, offer suggestions to improve it and describe each change.
Answer with one JSON object per line and nothing else. Each object has the keys "originalSentence", "suggestedSentence" and "description".
Keep "originalSentence" an exact excerpt of the writing. Offer at most 5 suggestions.`

// Default returns the built-in prompts.
func Default() Set {
	return Set{
		Regular:        defaultRegular,
		Blocks:         defaultBlocks,
		Title:          defaultTitle,
		CreateDocument: defaultCreateDocument,
		UpdateDocument: defaultUpdateDocument,
		Suggestions:    defaultSuggestions,
	}
}

// Merge returns s with every non-blank field of override applied.
func (s Set) Merge(override Set) Set {
	pick := func(base, over string) string {
		if strings.TrimSpace(over) != "" {
			return strings.TrimSpace(over)
		}
		return base
	}
	return Set{
		Regular:        pick(s.Regular, override.Regular),
		Blocks:         pick(s.Blocks, override.Blocks),
		Title:          pick(s.Title, override.Title),
		CreateDocument: pick(s.CreateDocument, override.CreateDocument),
		UpdateDocument: pick(s.UpdateDocument, override.UpdateDocument),
		Suggestions:    pick(s.Suggestions, override.Suggestions),
	}
}

// System is the turn system prompt: the persona followed by the blocks guide.
func (s Set) System() string {
	if s.Blocks == "" {
		return s.Regular
	}
	if s.Regular == "" {
		return s.Blocks
	}
	return s.Regular + "\n\n" + s.Blocks
}

// UpdateDocumentFor returns the update prompt with the current content
// appended.
func (s Set) UpdateDocumentFor(current string) string {
	return s.UpdateDocument + "\n\n" + current
}

// Source supplies the prompts in effect. Implementations must be safe for
// concurrent use.
type Source interface {
	Current() Set
}

// Static is a Source that never changes.
type Static Set

// Current returns the set.
func (s Static) Current() Set { return Set(s) }
