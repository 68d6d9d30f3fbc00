// Package engine runs one conversation turn end to end: response cache,
// history recall, retrieval, prompt assembly, streamed generation and
// persistence. Its output is the event stream the transports forward.
package engine

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/cache"
	"github.com/ntic-sm/istabot/pkg/llm"
	"github.com/ntic-sm/istabot/pkg/memory"
	"github.com/ntic-sm/istabot/pkg/types"
)

// SystemPrompt grounds every answer on the retrieved context.
const SystemPrompt = `Tu es l'Assistant ISTA NTIC Sidi Maarouf.

Consignes:
- Réponds uniquement avec les informations présentes dans le contexte fourni.
- Donne des réponses concrètes (listes, éléments, consignes) et évite les généralités.
- Quand c'est utile, cite les sources (titre + URL) à la fin sous la forme "Sources:".
- N'invente jamais de contenu. Si une information est absente, réponds: "Je n'ai pas cette information.".

Format:
- Utilise des listes à puces claires.
- Mets en évidence les éléments importants en gras.`

// scheduleSectionHint steers the advisory section filter when the
// question smells like a timetable lookup.
const scheduleSectionHint = "emplois du temps"

var (
	arabicRe   = regexp.MustCompile(`[\x{0600}-\x{06FF}]`)
	scheduleRe = regexp.MustCompile(`(?i)emploi|horaire|planning`)
)

// ContextRetriever yields grounding context for a query. It never
// errors; degraded retrieval returns an empty context.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, nResults int, sectionHint string) (string, []types.Source)
}

// Generator delivers completions with provider failover.
type Generator interface {
	Generate(ctx context.Context, messages []types.Message) (string, string, error)
	GenerateStream(ctx context.Context, messages []types.Message) (<-chan llm.Chunk, string, error)
	Providers() []string
}

// ResponseStore caches whole answers per question and user.
type ResponseStore interface {
	Lookup(ctx context.Context, message, userID string) (*cache.CachedResponse, error)
	Store(ctx context.Context, message, userID string, resp cache.CachedResponse) error
}

// KnowledgeCounter reports how many documents a collection holds.
type KnowledgeCounter interface {
	Name() string
	Count(ctx context.Context) (int, error)
}

// Config holds engine construction parameters.
type Config struct {
	Retriever ContextRetriever
	Generator Generator

	// Memory is optional; nil disables history.
	Memory memory.Store

	// Responses is optional; nil disables the answer cache.
	Responses ResponseStore

	// Collections are counted by Status. Optional.
	Collections []KnowledgeCounter

	// NResults is the retrieval width per question.
	NResults int

	Logger *zap.Logger
}

// Engine answers campus questions over the assembled pipeline.
type Engine struct {
	retriever   ContextRetriever
	generator   Generator
	memory      memory.Store
	responses   ResponseStore
	collections []KnowledgeCounter
	nResults    int
	logger      *zap.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.NResults <= 0 {
		cfg.NResults = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		retriever:   cfg.Retriever,
		generator:   cfg.Generator,
		memory:      cfg.Memory,
		responses:   cfg.Responses,
		collections: cfg.Collections,
		nResults:    cfg.NResults,
		logger:      cfg.Logger,
	}
}

// AnswerStream runs one turn and emits its events. The stream carries a
// start event, zero or more content events, then exactly one end or
// error event. A cancelled context aborts the turn with nothing further
// emitted and nothing persisted.
func (e *Engine) AnswerStream(ctx context.Context, message, userID string) <-chan types.Event {
	out := make(chan types.Event)
	go func() {
		defer close(out)
		e.run(ctx, out, message, userID)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, out chan<- types.Event, message, userID string) {
	message = strings.TrimSpace(message)
	language := detectLanguage(message)

	if !emit(ctx, out, types.StartEvent()) {
		return
	}

	// Cache short-circuit.
	if e.responses != nil {
		if cached, err := e.responses.Lookup(ctx, message, userID); err == nil {
			e.logger.Debug("response cache hit", zap.String("user_id", userID))
			if !emit(ctx, out, types.ContentEvent(cached.Reply)) {
				return
			}
			emit(ctx, out, types.EndEvent(types.EndData{
				Reply:    cached.Reply,
				Sources:  cached.Sources,
				RAGUsed:  cached.RAGUsed,
				Language: cached.Language,
				Cached:   true,
			}))
			return
		}
	}

	ragContext, sources := e.retrieve(ctx, message)
	messages := e.buildPrompt(ctx, message, userID, ragContext)

	stream, provider, err := e.generator.GenerateStream(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("generation failed", zap.Error(err))
		emit(ctx, out, types.ErrorEvent(err.Error()))
		return
	}
	e.logger.Debug("streaming answer", zap.String("provider", provider))

	var reply strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("stream failed mid-answer", zap.Error(chunk.Err))
			emit(ctx, out, types.ErrorEvent(chunk.Err.Error()))
			return
		}
		reply.WriteString(chunk.Token)
		if !emit(ctx, out, types.ContentEvent(chunk.Token)) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	data := types.EndData{
		Reply:    reply.String(),
		Sources:  sources,
		RAGUsed:  len(sources) > 0,
		Language: language,
	}
	e.persist(ctx, message, userID, data)
	emit(ctx, out, types.EndEvent(data))
}

// Answer runs one turn without streaming.
func (e *Engine) Answer(ctx context.Context, message, userID string) (types.EndData, error) {
	message = strings.TrimSpace(message)
	language := detectLanguage(message)

	if e.responses != nil {
		if cached, err := e.responses.Lookup(ctx, message, userID); err == nil {
			return types.EndData{
				Reply:    cached.Reply,
				Sources:  cached.Sources,
				RAGUsed:  cached.RAGUsed,
				Language: cached.Language,
				Cached:   true,
			}, nil
		}
	}

	ragContext, sources := e.retrieve(ctx, message)
	messages := e.buildPrompt(ctx, message, userID, ragContext)

	reply, provider, err := e.generator.Generate(ctx, messages)
	if err != nil {
		return types.EndData{}, err
	}
	e.logger.Debug("answered", zap.String("provider", provider))

	data := types.EndData{
		Reply:    reply,
		Sources:  sources,
		RAGUsed:  len(sources) > 0,
		Language: language,
	}
	if data.Sources == nil {
		data.Sources = []types.Source{}
	}
	e.persist(ctx, message, userID, data)
	return data, nil
}

// retrieve invokes the retriever unless the question is blank.
func (e *Engine) retrieve(ctx context.Context, message string) (string, []types.Source) {
	if message == "" || e.retriever == nil {
		return "", nil
	}

	var hint string
	if scheduleRe.MatchString(message) {
		hint = scheduleSectionHint
	}
	return e.retriever.Retrieve(ctx, message, e.nResults, hint)
}

// buildPrompt assembles the provider-agnostic message list: grounded
// system prompt, recent history, then the raw question.
func (e *Engine) buildPrompt(ctx context.Context, message, userID, ragContext string) []types.Message {
	system := SystemPrompt
	if ragContext != "" {
		system += "\n\nContexte pertinent:\n" + ragContext
	}

	messages := []types.Message{types.SystemMessage(system)}
	if e.memory != nil {
		history, err := e.memory.LoadContext(ctx, userID)
		if err != nil {
			e.logger.Warn("failed to load conversation history", zap.Error(err))
		}
		messages = append(messages, history...)
	}
	return append(messages, types.UserMessage(message))
}

// persist saves the turn and caches the answer. Both are best-effort.
func (e *Engine) persist(ctx context.Context, message, userID string, data types.EndData) {
	if e.memory != nil {
		if err := e.memory.SaveTurn(ctx, userID, message, data.Reply); err != nil {
			e.logger.Warn("failed to persist turn", zap.Error(err))
		}
	}
	if e.responses != nil {
		err := e.responses.Store(ctx, message, userID, cache.CachedResponse{
			Reply:    data.Reply,
			Sources:  data.Sources,
			RAGUsed:  data.RAGUsed,
			Language: data.Language,
		})
		if err != nil {
			e.logger.Warn("failed to cache response", zap.Error(err))
		}
	}
}

// Status reports pipeline health for the status endpoint.
type Status struct {
	Status              string   `json:"status"`
	RAGInitialized      bool     `json:"rag_initialized"`
	KnowledgeDocuments  int      `json:"knowledge_documents"`
	ProvidersConfigured []string `json:"providers_configured"`
}

// Status summarizes the running pipeline.
func (e *Engine) Status(ctx context.Context) Status {
	s := Status{Status: "ok", ProvidersConfigured: []string{}}
	if e.generator != nil {
		s.ProvidersConfigured = e.generator.Providers()
	}

	for _, coll := range e.collections {
		n, err := coll.Count(ctx)
		if err != nil {
			e.logger.Warn("failed to count collection",
				zap.String("collection", coll.Name()),
				zap.Error(err))
			continue
		}
		s.RAGInitialized = true
		s.KnowledgeDocuments += n
	}
	return s
}

// emit delivers one event unless the turn is cancelled.
func emit(ctx context.Context, out chan<- types.Event, event types.Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// detectLanguage tags Arabic-script questions; everything else is
// treated as French.
func detectLanguage(message string) string {
	if arabicRe.MatchString(message) {
		return "ar"
	}
	return "fr"
}
