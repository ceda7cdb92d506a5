// Package services glues the extraction, resolution, graph, ledger and
// policy layers into the operations the API and the workers expose.
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/cache"
	"github.com/danielprocop/lifestory-graph/internal/extract"
	"github.com/danielprocop/lifestory-graph/internal/graph"
	"github.com/danielprocop/lifestory-graph/internal/ledger"
	"github.com/danielprocop/lifestory-graph/internal/metrics"
	"github.com/danielprocop/lifestory-graph/internal/models"
	"github.com/danielprocop/lifestory-graph/internal/policy"
	"github.com/danielprocop/lifestory-graph/internal/resolve"
)

// EntryStore is the entry persistence the pipeline needs.
type EntryStore interface {
	Save(ctx context.Context, entry *models.Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Entry, error)
}

// EntityStore is the entity persistence the pipeline and views need.
type EntityStore interface {
	LoadOwnerGraph(ctx context.Context, owner uuid.UUID) ([]models.CanonicalEntity, []models.EntityAlias, error)
	GetWithRelations(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.CanonicalEntity, error)
	ActiveRedirects(ctx context.Context, owner uuid.UUID) ([]models.EntityRedirect, error)
}

// LedgerStore is the ledger persistence the pipeline and views need.
type LedgerStore interface {
	UpsertEvent(ctx context.Context, ev *models.MemoryEvent) error
	UpsertSettlement(ctx context.Context, s *models.Settlement) (*models.Settlement, error)
	OpenSettlements(ctx context.Context, owner, counterparty uuid.UUID, direction, currency string) ([]models.Settlement, error)
	RecordPayment(ctx context.Context, s *models.Settlement, payment *models.SettlementPayment) error
	EventsForEntity(ctx context.Context, entityID uuid.UUID) ([]models.MemoryEvent, error)
	SettlementsForEntity(ctx context.Context, entityID uuid.UUID) ([]models.Settlement, error)
}

// RuleSource hands out the live compiled ruleset per owner.
type RuleSource interface {
	Get(ctx context.Context, owner uuid.UUID) (*policy.Ruleset, error)
}

// BatchApplier commits a resolver mutation batch.
type BatchApplier interface {
	Apply(ctx context.Context, batch *graph.Batch) error
}

// SearchSink is the projection target. It is strictly best-effort.
type SearchSink interface {
	IndexEntity(ctx context.Context, entity *models.CanonicalEntity, aliases []string) error
	IndexEntry(ctx context.Context, entry *models.Entry) error
	DeleteEntity(ctx context.Context, id uuid.UUID) error
	SearchNodes(ctx context.Context, owner uuid.UUID, q string, limit int) ([]uuid.UUID, error)
}

// ViewCache caches assembled node views. Nil disables caching.
type ViewCache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// nodeViewTTL bounds staleness from writes that bypass the pipeline, such
// as governance side effects.
const nodeViewTTL = 5 * time.Minute

// NodeView is the full read model of one graph node.
type NodeView struct {
	Entity         *models.CanonicalEntity `json:"entity"`
	Aliases        []models.EntityAlias    `json:"aliases"`
	Evidence       []models.Evidence       `json:"evidence"`
	Events         []models.MemoryEvent    `json:"events"`
	Settlements    []models.Settlement     `json:"settlements"`
	RedirectedFrom *uuid.UUID              `json:"redirected_from,omitempty"`
}

// GraphService runs the entry pipeline and serves graph reads.
type GraphService struct {
	entries  EntryStore
	entities EntityStore
	ledgers  LedgerStore
	rules    RuleSource
	mutator  BatchApplier
	search   SearchSink
	views    ViewCache
	metrics  *metrics.Metrics
}

// NewGraphService wires the graph service.
func NewGraphService(entries EntryStore, entities EntityStore, ledgers LedgerStore, rules RuleSource, mutator BatchApplier, search SearchSink, views ViewCache, m *metrics.Metrics) *GraphService {
	return &GraphService{
		entries:  entries,
		entities: entities,
		ledgers:  ledgers,
		rules:    rules,
		mutator:  mutator,
		search:   search,
		views:    views,
		metrics:  m,
	}
}

// ProcessEntry runs one entry through the full pipeline: store, extract,
// resolve, mutate, derive ledger facts, project to search. The pipeline is
// idempotent end to end; replaying a processed entry converges on the same
// state.
func (s *GraphService) ProcessEntry(ctx context.Context, entry *models.Entry) error {
	start := time.Now()
	err := s.process(ctx, entry)
	s.metrics.RecordTimer(metrics.ProcessEntryTimer, time.Since(start).Milliseconds())
	if err != nil {
		s.metrics.IncrementCounter(metrics.EntriesFailed)
		return err
	}
	s.metrics.IncrementCounter(metrics.EntriesProcessed)
	return nil
}

// ReprocessEntry re-runs an already stored entry, used by replay jobs.
func (s *GraphService) ReprocessEntry(ctx context.Context, entry *models.Entry) error {
	return s.process(ctx, entry)
}

func (s *GraphService) process(ctx context.Context, entry *models.Entry) error {
	if err := s.entries.Save(ctx, entry); err != nil {
		return err
	}

	rules, err := s.rules.Get(ctx, entry.OwnerID)
	if err != nil {
		return err
	}

	entities, aliases, err := s.entities.LoadOwnerGraph(ctx, entry.OwnerID)
	if err != nil {
		return err
	}
	snap := resolve.NewSnapshot(entry.OwnerID, entities, aliases)

	signals := extract.Extract(entry.Text)
	resolver := resolve.NewResolver(snap, rules, entry)
	resolved := resolver.ResolveSignals(signals)

	batch := resolver.Batch()
	if !batch.Empty() {
		if err := s.mutator.Apply(ctx, batch); err != nil {
			return err
		}
		s.metrics.IncrementCounterBy(metrics.EntitiesCreated, int64(len(batch.NewEntities)))
		for _, ev := range batch.NewEvidence {
			if ev.MergeReason != nil && *ev.MergeReason == resolve.MatchFuzzy {
				s.metrics.IncrementCounter(metrics.FuzzyMerges)
			}
		}
	}

	participants := participantIDs(signals, resolved)
	payer := payerID(signals, resolved, participants)

	if ev := ledger.DeriveEvent(entry, signals, participants, payer); ev != nil {
		if err := s.ledgers.UpsertEvent(ctx, ev); err != nil {
			return err
		}
	}

	if err := s.applySettlement(ctx, entry, signals, resolved, participants); err != nil {
		return err
	}
	if err := s.applyPayment(ctx, entry, signals, resolved, participants); err != nil {
		return err
	}

	s.project(ctx, entry, batch)
	s.invalidateViews(ctx, batch)
	return nil
}

// invalidateViews drops cached node views for every entity the batch touched.
func (s *GraphService) invalidateViews(ctx context.Context, batch *graph.Batch) {
	if s.views == nil {
		return
	}
	for _, id := range batch.TouchedIDs() {
		if err := s.views.Delete(ctx, cache.GetNodeViewCacheKey(id)); err != nil {
			log.Warn().Err(err).Str("entity_id", id.String()).Msg("failed to invalidate node view cache")
		}
	}
}

func (s *GraphService) applySettlement(ctx context.Context, entry *models.Entry, signals *extract.Signals, resolved map[string]*resolve.Entity, participants []uuid.UUID) error {
	if signals.Settlement == nil {
		return nil
	}

	target := resolvedID(resolved, signals.Settlement.TargetName)
	counterparty, ok := ledger.Counterparty(target, participants)
	if !ok {
		log.Debug().
			Str("entry_id", entry.ID.String()).
			Msg("settlement with ambiguous counterparty dropped")
		return nil
	}

	draft := ledger.DeriveSettlement(entry, signals.Settlement, counterparty)
	if _, err := s.ledgers.UpsertSettlement(ctx, draft); err != nil {
		return err
	}
	s.metrics.IncrementCounter(metrics.SettlementsMatched)
	return nil
}

func (s *GraphService) applyPayment(ctx context.Context, entry *models.Entry, signals *extract.Signals, resolved map[string]*resolve.Entity, participants []uuid.UUID) error {
	if signals.Payment == nil {
		return nil
	}

	target := resolvedID(resolved, signals.Payment.CounterpartyName)
	counterparty, ok := ledger.Counterparty(target, participants)
	if !ok {
		log.Debug().
			Str("entry_id", entry.ID.String()).
			Msg("payment with ambiguous counterparty dropped")
		return nil
	}

	open, err := s.ledgers.OpenSettlements(ctx, entry.OwnerID, counterparty, signals.Payment.Direction, signals.Payment.Currency)
	if err != nil {
		return err
	}
	matched, ok := ledger.MatchPayment(open, signals.Payment.Amount)
	if !ok {
		s.metrics.IncrementCounter(metrics.PaymentsAbandoned)
		log.Info().
			Str("entry_id", entry.ID.String()).
			Str("amount", signals.Payment.Amount.String()).
			Msg("payment matches no settlement unambiguously, dropped")
		return nil
	}

	payment := ledger.ApplyPayment(matched, entry.ID, signals.Payment.Amount)
	return s.ledgers.RecordPayment(ctx, matched, &payment)
}

// project pushes the entry and every touched entity into the search sink.
// The index is rebuildable, so failures only log.
func (s *GraphService) project(ctx context.Context, entry *models.Entry, batch *graph.Batch) {
	if s.search == nil {
		return
	}
	if err := s.search.IndexEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("failed to project entry to search")
	}

	for _, id := range batch.TouchedIDs() {
		entity, err := s.entities.GetWithRelations(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("entity_id", id.String()).Msg("failed to load entity for search projection")
			continue
		}
		if models.IsSuppressedKind(entity.Kind) {
			if err := s.search.DeleteEntity(ctx, id); err != nil {
				log.Warn().Err(err).Str("entity_id", id.String()).Msg("failed to drop suppressed entity from search")
			}
			continue
		}
		names := make([]string, 0, len(entity.Aliases))
		for _, a := range entity.Aliases {
			names = append(names, a.Alias)
		}
		if err := s.search.IndexEntity(ctx, entity, names); err != nil {
			log.Warn().Err(err).Str("entity_id", id.String()).Msg("failed to project entity to search")
		}
	}
}

// SearchNodes queries the search index and resolves hits through the live
// redirect map, so a merged-away entity surfaces as its canonical head.
func (s *GraphService) SearchNodes(ctx context.Context, owner uuid.UUID, q string, limit int) ([]models.CanonicalEntity, error) {
	if s.search == nil {
		return nil, errors.New("search is not configured")
	}
	hits, err := s.search.SearchNodes(ctx, owner, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "search failed")
	}

	redirects, err := s.redirectMap(ctx, owner)
	if err != nil {
		return nil, err
	}

	seen := map[uuid.UUID]struct{}{}
	resolvedIDs := make([]uuid.UUID, 0, len(hits))
	for _, id := range hits {
		head := followRedirects(redirects, id)
		if _, dup := seen[head]; dup {
			continue
		}
		seen[head] = struct{}{}
		resolvedIDs = append(resolvedIDs, head)
	}

	entities, err := s.entities.ListByIDs(ctx, resolvedIDs)
	if err != nil {
		return nil, err
	}

	// Restore search ranking lost by the ID load.
	byID := make(map[uuid.UUID]models.CanonicalEntity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	ordered := make([]models.CanonicalEntity, 0, len(resolvedIDs))
	for _, id := range resolvedIDs {
		if e, ok := byID[id]; ok && !models.IsSuppressedKind(e.Kind) {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

// GetNodeView loads the full read model of one node, following redirects to
// the canonical head.
func (s *GraphService) GetNodeView(ctx context.Context, owner, id uuid.UUID) (*NodeView, error) {
	redirects, err := s.redirectMap(ctx, owner)
	if err != nil {
		return nil, err
	}
	head := followRedirects(redirects, id)

	view, err := s.loadNodeView(ctx, head)
	if err != nil {
		return nil, err
	}
	if head != id {
		from := id
		view.RedirectedFrom = &from
	}
	return view, nil
}

// loadNodeView assembles the head's view, cache-aside. RedirectedFrom is per
// request and stays out of the cached value.
func (s *GraphService) loadNodeView(ctx context.Context, head uuid.UUID) (*NodeView, error) {
	key := cache.GetNodeViewCacheKey(head)
	if s.views != nil {
		cached := &NodeView{}
		if err := s.views.Get(ctx, key, cached); err == nil {
			return cached, nil
		}
	}

	entity, err := s.entities.GetWithRelations(ctx, head)
	if err != nil {
		return nil, err
	}

	events, err := s.ledgers.EventsForEntity(ctx, head)
	if err != nil {
		return nil, err
	}
	settlements, err := s.ledgers.SettlementsForEntity(ctx, head)
	if err != nil {
		return nil, err
	}

	view := &NodeView{
		Entity:      entity,
		Aliases:     entity.Aliases,
		Evidence:    entity.Evidence,
		Events:      events,
		Settlements: settlements,
	}
	if s.views != nil {
		if err := s.views.Set(ctx, key, view, nodeViewTTL); err != nil {
			log.Warn().Err(err).Str("entity_id", head.String()).Msg("failed to cache node view")
		}
	}
	return view, nil
}

func (s *GraphService) redirectMap(ctx context.Context, owner uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := s.entities.ActiveRedirects(ctx, owner)
	if err != nil {
		return nil, err
	}
	m := make(map[uuid.UUID]uuid.UUID, len(rows))
	for _, r := range rows {
		m[r.FromEntityID] = r.ToEntityID
	}
	return m, nil
}

func followRedirects(m map[uuid.UUID]uuid.UUID, id uuid.UUID) uuid.UUID {
	visited := map[uuid.UUID]struct{}{id: {}}
	cur := id
	for {
		next, ok := m[cur]
		if !ok {
			return cur
		}
		if _, seen := visited[next]; seen {
			return cur
		}
		visited[next] = struct{}{}
		cur = next
	}
}

// participantIDs orders the resolved participant entities by first mention,
// deduplicated by entity.
func participantIDs(signals *extract.Signals, resolved map[string]*resolve.Entity) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	for _, m := range signals.Participants {
		e, ok := resolved[extract.Normalize(m.Name)]
		if !ok {
			continue
		}
		if _, dup := seen[e.Record.ID]; dup {
			continue
		}
		seen[e.Record.ID] = struct{}{}
		ids = append(ids, e.Record.ID)
	}
	return ids
}

// payerID picks who paid: an explicit name wins, then "the other person
// paid" when there is exactly one other person.
func payerID(signals *extract.Signals, resolved map[string]*resolve.Entity, participants []uuid.UUID) *uuid.UUID {
	if signals.PayerName != "" {
		if e, ok := resolved[extract.Normalize(signals.PayerName)]; ok {
			id := e.Record.ID
			return &id
		}
	}
	if signals.PayerIsOther && len(participants) == 1 {
		id := participants[0]
		return &id
	}
	return nil
}

func resolvedID(resolved map[string]*resolve.Entity, name string) *uuid.UUID {
	if name == "" {
		return nil
	}
	e, ok := resolved[extract.Normalize(name)]
	if !ok {
		return nil
	}
	id := e.Record.ID
	return &id
}
