// Package registry implements the function definition store — the registry of
// callable tools known to the dispatch pipeline.
//
// Each definition holds the function's source text, its derived calling
// schema, and the collection it was registered under. Collections model
// "things registered together" (all tools one connector exposes, one user
// paste): removing any member retracts the whole collection, so a connector's
// capability surface is never left partially installed.
//
// A definition may be known without being enabled. Only enabled names are
// exposed to the model as callable schemas or accepted as call targets.
//
// The store is constructor-injected everywhere (no ambient singleton) and
// persists its state through a kv.Store after every mutation.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kristerhedfors/funcall/pkg/kv"
	"github.com/kristerhedfors/funcall/pkg/openai"
	"github.com/kristerhedfors/funcall/pkg/schema"
)

// Persistence keys within the injected kv.Store.
const (
	keyDefinitions = "functions"
	keyCollections = "collections"
	keyEnabled     = "enabled"
)

// Definition is one registered callable tool.
type Definition struct {
	// Name is the registry key. It usually matches the identifier declared in
	// Source, but may contain characters illegal in a bare identifier (e.g.
	// a connector prefix with hyphens).
	Name string `json:"name"`

	// Source is the self-contained definition of exactly one callable.
	Source string `json:"source"`

	// Language selects the sandbox engine. Empty means JavaScript.
	Language schema.Language `json:"language,omitempty"`

	// Schema is the derived (or hand-authored) calling schema.
	Schema *schema.Tool `json:"schema"`

	// CollectionID groups definitions registered together.
	CollectionID string `json:"collection_id"`

	// DeclaredName is the identifier actually declared in Source, fixed at
	// registration time. The executor invokes this identifier — never a
	// runtime-sanitized rewrite of Name.
	DeclaredName string `json:"declared_name"`

	// Async records whether Source declares an asynchronously-completing
	// callable.
	Async bool `json:"async"`
}

// CollectionMetadata describes where a collection came from.
type CollectionMetadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
}

// Collection is a set of definitions registered and retracted as one unit.
type Collection struct {
	ID       string             `json:"id"`
	Metadata CollectionMetadata `json:"metadata"`
}

// Store is the mutable registry of function definitions. Safe for concurrent
// use: reads during an in-flight execution see a consistent snapshot, and
// re-entrant mutation (a tool removing itself) cannot corrupt a compilation
// unit already captured.
type Store struct {
	mu          sync.RWMutex
	defs        map[string]*Definition
	collections map[string]Collection
	enabled     map[string]bool

	persist kv.Store
	logger  *slog.Logger
}

// New creates a Store backed by the given persistence layer, loading any
// previously persisted state. persist may be nil for a purely in-memory
// store (tests).
func New(persist kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		defs:        make(map[string]*Definition),
		collections: make(map[string]Collection),
		enabled:     make(map[string]bool),
		persist:     persist,
		logger:      logger,
	}
	s.load()
	return s
}

// Add registers a definition. The zero CollectionID defaults to the
// definition's own name (a singleton collection). Re-adding an existing name
// fully replaces it. meta is only consulted when the collection is new.
//
// Add returns false — without mutating state — on empty name, empty source,
// or a structurally invalid schema. Registration is routinely attempted
// speculatively (connectors probing for duplicates), so invalid input is not
// an error.
func (s *Store) Add(def Definition, meta *CollectionMetadata) bool {
	if def.Name == "" || def.Source == "" {
		return false
	}
	if !def.Schema.Validate() {
		return false
	}
	if def.Language == "" {
		def.Language = schema.LangJavaScript
	}
	if def.CollectionID == "" {
		def.CollectionID = def.Name
	}

	// Fix the registry-key → declared-identifier mapping now, at registration
	// time. Execution never rewrites source text to make a key callable.
	sig, ok := schema.ParseSignature(def.Source)
	if !ok {
		return false
	}
	def.DeclaredName = sig.Name
	def.Async = sig.Async

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[def.CollectionID]; !exists {
		coll := Collection{ID: def.CollectionID}
		if meta != nil {
			coll.Metadata = *meta
		}
		if coll.Metadata.CreatedAt.IsZero() {
			coll.Metadata.CreatedAt = time.Now().UTC()
		}
		if coll.Metadata.Name == "" {
			coll.Metadata.Name = def.CollectionID
		}
		s.collections[def.CollectionID] = coll
	}

	// Full replace-on-re-add. If the definition moves to a new collection,
	// drop the old collection when it becomes empty.
	if old, exists := s.defs[def.Name]; exists && old.CollectionID != def.CollectionID {
		s.dropCollectionIfEmptyLocked(old.CollectionID, def.Name)
	}

	s.defs[def.Name] = &def
	s.save()
	return true
}

// Remove retracts the named definition and every definition sharing its
// collection, scrubbing all of them from the enabled set. Returns false if
// the name is unknown.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[name]
	if !exists {
		return false
	}
	collID := def.CollectionID
	for n, d := range s.defs {
		if d.CollectionID == collID {
			delete(s.defs, n)
			delete(s.enabled, n)
		}
	}
	delete(s.collections, collID)
	s.save()
	return true
}

// Get returns a copy of the named definition, or nil if unknown.
func (s *Store) Get(name string) *Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return nil
	}
	cp := *def
	return &cp
}

// Enable marks a known name as eligible for invocation.
func (s *Store) Enable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return false
	}
	s.enabled[name] = true
	s.save()
	return true
}

// Disable removes a name from the enabled set. The definition stays known.
func (s *Store) Disable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return false
	}
	delete(s.enabled, name)
	s.save()
	return true
}

// IsEnabled reports whether name is known and enabled.
func (s *Store) IsEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[name]
}

// ListEnabled returns copies of all enabled definitions, sorted by name.
func (s *Store) ListEnabled() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.enabled))
	for name := range s.enabled {
		if def, ok := s.defs[name]; ok {
			out = append(out, *def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns copies of all known definitions (enabled or not), sorted by name.
func (s *Store) List() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SchemasForEnabled returns one LLM tool declaration per enabled definition,
// in the {type:"function", function:{...}} shape the model API consumes.
// The declared name is always the registry key, not the compiled identifier.
func (s *Store) SchemasForEnabled() []openai.Tool {
	defs := s.ListEnabled()
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.NewFunctionTool(def.Name, def.Schema.Description, def.Schema.ParametersJSON()))
	}
	return tools
}

// MembersOfCollection returns the sorted names of every definition in the
// given collection.
func (s *Store) MembersOfCollection(collectionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, def := range s.defs {
		if def.CollectionID == collectionID {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Collections returns all collection records, sorted by ID.
func (s *Store) Collections() []Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CompanionSources returns the source text of every other known definition in
// the same language as name, sorted by name for a deterministic compilation
// unit. These are the auxiliary helpers the target may call.
//
// The snapshot is taken under the read lock: a tool that mutates the store
// mid-execution cannot corrupt a unit already captured.
func (s *Store) CompanionSources(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.defs[name]
	if !ok {
		return nil
	}
	var names []string
	for n, d := range s.defs {
		if n != name && d.Language == target.Language {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	sources := make([]string, 0, len(names))
	for _, n := range names {
		sources = append(sources, s.defs[n].Source)
	}
	return sources
}

// --- persistence ---

// persistedState is the JSON snapshot written to the kv layer.
type persistedState struct {
	Definitions map[string]*Definition `json:"definitions"`
	Collections map[string]Collection  `json:"collections"`
	Enabled     []string               `json:"enabled"`
}

// save writes the full state through the kv layer. Persistence failures are
// logged, not propagated: the in-memory state is authoritative for the life
// of the process.
func (s *Store) save() {
	if s.persist == nil {
		return
	}
	ctx := context.Background()

	defsJSON, err := json.Marshal(s.defs)
	if err == nil {
		err = s.persist.SetValue(ctx, keyDefinitions, string(defsJSON))
	}
	if err != nil {
		s.logger.Error("persisting definitions", "error", err)
	}

	collJSON, err := json.Marshal(s.collections)
	if err == nil {
		err = s.persist.SetValue(ctx, keyCollections, string(collJSON))
	}
	if err != nil {
		s.logger.Error("persisting collections", "error", err)
	}

	enabled := make([]string, 0, len(s.enabled))
	for name := range s.enabled {
		enabled = append(enabled, name)
	}
	sort.Strings(enabled)
	enabledJSON, err := json.Marshal(enabled)
	if err == nil {
		err = s.persist.SetValue(ctx, keyEnabled, string(enabledJSON))
	}
	if err != nil {
		s.logger.Error("persisting enabled set", "error", err)
	}
}

// load restores persisted state. Missing keys are a fresh install; corrupt
// values are logged and skipped rather than aborting startup.
func (s *Store) load() {
	if s.persist == nil {
		return
	}
	ctx := context.Background()

	if raw, ok, err := s.persist.GetValue(ctx, keyDefinitions); err != nil {
		s.logger.Error("loading definitions", "error", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &s.defs); err != nil {
			s.logger.Error("corrupt persisted definitions, starting empty", "error", err)
			s.defs = make(map[string]*Definition)
		}
	}

	if raw, ok, err := s.persist.GetValue(ctx, keyCollections); err != nil {
		s.logger.Error("loading collections", "error", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &s.collections); err != nil {
			s.logger.Error("corrupt persisted collections, starting empty", "error", err)
			s.collections = make(map[string]Collection)
		}
	}

	if raw, ok, err := s.persist.GetValue(ctx, keyEnabled); err != nil {
		s.logger.Error("loading enabled set", "error", err)
	} else if ok {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			s.logger.Error("corrupt persisted enabled set, starting empty", "error", err)
		} else {
			for _, name := range names {
				if _, known := s.defs[name]; known {
					s.enabled[name] = true
				}
			}
		}
	}
}

// dropCollectionIfEmptyLocked removes a collection record when no definition
// other than exclude references it. Caller holds the write lock.
func (s *Store) dropCollectionIfEmptyLocked(collectionID, exclude string) {
	for n, d := range s.defs {
		if n != exclude && d.CollectionID == collectionID {
			return
		}
	}
	delete(s.collections, collectionID)
}
