package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/danielprocop/lifestory-graph/internal/cache"
	"github.com/danielprocop/lifestory-graph/internal/extract"
	"github.com/danielprocop/lifestory-graph/internal/graph"
	"github.com/danielprocop/lifestory-graph/internal/metrics"
	"github.com/danielprocop/lifestory-graph/internal/models"
	"github.com/danielprocop/lifestory-graph/internal/policy"
)

type MockEntryStore struct {
	mock.Mock
}

func (m *MockEntryStore) Save(ctx context.Context, entry *models.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockEntryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Entry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Entry), args.Error(1)
}

type MockEntityStore struct {
	mock.Mock
}

func (m *MockEntityStore) LoadOwnerGraph(ctx context.Context, owner uuid.UUID) ([]models.CanonicalEntity, []models.EntityAlias, error) {
	args := m.Called(ctx, owner)
	var entities []models.CanonicalEntity
	var aliases []models.EntityAlias
	if args.Get(0) != nil {
		entities = args.Get(0).([]models.CanonicalEntity)
	}
	if args.Get(1) != nil {
		aliases = args.Get(1).([]models.EntityAlias)
	}
	return entities, aliases, args.Error(2)
}

func (m *MockEntityStore) GetWithRelations(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CanonicalEntity), args.Error(1)
}

func (m *MockEntityStore) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.CanonicalEntity, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CanonicalEntity), args.Error(1)
}

func (m *MockEntityStore) ActiveRedirects(ctx context.Context, owner uuid.UUID) ([]models.EntityRedirect, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.EntityRedirect), args.Error(1)
}

type MockLedgerStore struct {
	mock.Mock
}

func (m *MockLedgerStore) UpsertEvent(ctx context.Context, ev *models.MemoryEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockLedgerStore) UpsertSettlement(ctx context.Context, s *models.Settlement) (*models.Settlement, error) {
	args := m.Called(ctx, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Settlement), args.Error(1)
}

func (m *MockLedgerStore) OpenSettlements(ctx context.Context, owner, counterparty uuid.UUID, direction, currency string) ([]models.Settlement, error) {
	args := m.Called(ctx, owner, counterparty, direction, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Settlement), args.Error(1)
}

func (m *MockLedgerStore) RecordPayment(ctx context.Context, s *models.Settlement, payment *models.SettlementPayment) error {
	args := m.Called(ctx, s, payment)
	return args.Error(0)
}

func (m *MockLedgerStore) EventsForEntity(ctx context.Context, entityID uuid.UUID) ([]models.MemoryEvent, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.MemoryEvent), args.Error(1)
}

func (m *MockLedgerStore) SettlementsForEntity(ctx context.Context, entityID uuid.UUID) ([]models.Settlement, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Settlement), args.Error(1)
}

type MockRuleSource struct {
	mock.Mock
}

func (m *MockRuleSource) Get(ctx context.Context, owner uuid.UUID) (*policy.Ruleset, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*policy.Ruleset), args.Error(1)
}

type MockBatchApplier struct {
	mock.Mock
}

func (m *MockBatchApplier) Apply(ctx context.Context, batch *graph.Batch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

type MockSearchSink struct {
	mock.Mock
}

func (m *MockSearchSink) IndexEntity(ctx context.Context, entity *models.CanonicalEntity, aliases []string) error {
	args := m.Called(ctx, entity, aliases)
	return args.Error(0)
}

func (m *MockSearchSink) IndexEntry(ctx context.Context, entry *models.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockSearchSink) DeleteEntity(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSearchSink) SearchNodes(ctx context.Context, owner uuid.UUID, q string, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, owner, q, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type MockViewCache struct {
	mock.Mock
}

func (m *MockViewCache) Get(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockViewCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func (m *MockViewCache) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

type serviceFixture struct {
	entries  *MockEntryStore
	entities *MockEntityStore
	ledgers  *MockLedgerStore
	rules    *MockRuleSource
	mutator  *MockBatchApplier
	search   *MockSearchSink
	service  *GraphService
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		entries:  new(MockEntryStore),
		entities: new(MockEntityStore),
		ledgers:  new(MockLedgerStore),
		rules:    new(MockRuleSource),
		mutator:  new(MockBatchApplier),
		search:   new(MockSearchSink),
	}
	f.service = NewGraphService(f.entries, f.entities, f.ledgers, f.rules, f.mutator, f.search, nil, metrics.NewMetrics())
	return f
}

// withViewCache rebuilds the fixture's service around a caching layer.
func (f *serviceFixture) withViewCache(views *MockViewCache) {
	f.service = NewGraphService(f.entries, f.entities, f.ledgers, f.rules, f.mutator, f.search, views, metrics.NewMetrics())
}

func testEntry(owner uuid.UUID, text string) *models.Entry {
	return &models.Entry{ID: uuid.New(), OwnerID: owner, Text: text}
}

func testPerson(owner uuid.UUID, name string) models.CanonicalEntity {
	return models.CanonicalEntity{
		ID:             uuid.New(),
		OwnerID:        owner,
		Kind:           models.KindPerson,
		Name:           name,
		NormalizedName: extract.Normalize(name),
	}
}

func TestProcessEntryDinnerScenario(t *testing.T) {
	owner := uuid.New()
	entry := testEntry(owner, "Ieri sera cena con Adi, ho speso 100 euro e devo dargli 50 perché ha pagato lui")
	f := newServiceFixture()

	f.entries.On("Save", mock.Anything, entry).Return(nil)
	f.rules.On("Get", mock.Anything, owner).Return(policy.Compile(owner, 0, nil), nil)
	f.entities.On("LoadOwnerGraph", mock.Anything, owner).Return(nil, nil, nil)

	var adiID uuid.UUID
	f.mutator.On("Apply", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batch := args.Get(1).(*graph.Batch)
		require.Len(t, batch.NewEntities, 1)
		require.Equal(t, "Adi", batch.NewEntities[0].Name)
		adiID = batch.NewEntities[0].ID
	}).Return(nil)

	var event *models.MemoryEvent
	f.ledgers.On("UpsertEvent", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		event = args.Get(1).(*models.MemoryEvent)
	}).Return(nil)

	var settlement *models.Settlement
	f.ledgers.On("UpsertSettlement", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		settlement = args.Get(1).(*models.Settlement)
	}).Return(&models.Settlement{}, nil)

	f.search.On("IndexEntry", mock.Anything, entry).Return(nil)
	f.entities.On("GetWithRelations", mock.Anything, mock.Anything).Return(&models.CanonicalEntity{}, nil)
	f.search.On("IndexEntity", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := f.service.ProcessEntry(context.Background(), entry)
	require.NoError(t, err)

	require.NotNil(t, event)
	require.Equal(t, "cena", event.EventType)
	require.NotNil(t, event.Total)
	require.True(t, event.Total.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, event.MyShare)
	require.True(t, event.MyShare.Equal(decimal.NewFromInt(50)))
	require.Len(t, event.Participants, 1)
	require.Equal(t, adiID, event.Participants[0].EntityID)
	require.Equal(t, models.RolePayer, event.Participants[0].Role)

	require.NotNil(t, settlement)
	require.Equal(t, adiID, settlement.CounterpartyID)
	require.Equal(t, models.DirectionUserOwes, settlement.Direction)
	require.True(t, settlement.Remaining.Equal(decimal.NewFromInt(50)))
	require.Equal(t, models.SettlementOpen, settlement.Status)
}

func TestProcessEntryMatchesPaymentToOpenSettlement(t *testing.T) {
	owner := uuid.New()
	adi := testPerson(owner, "Adi")
	entry := testEntry(owner, "oggi ho dato 50 euro ad Adi")
	f := newServiceFixture()

	f.entries.On("Save", mock.Anything, entry).Return(nil)
	f.rules.On("Get", mock.Anything, owner).Return(policy.Compile(owner, 0, nil), nil)
	f.entities.On("LoadOwnerGraph", mock.Anything, owner).Return([]models.CanonicalEntity{adi}, nil, nil)
	f.mutator.On("Apply", mock.Anything, mock.Anything).Return(nil)

	open := models.Settlement{
		ID:             uuid.New(),
		OwnerID:        owner,
		SourceEntryID:  uuid.New(),
		CounterpartyID: adi.ID,
		Direction:      models.DirectionUserOwes,
		OriginalAmount: decimal.NewFromInt(50),
		Remaining:      decimal.NewFromInt(50),
		Currency:       "EUR",
		Status:         models.SettlementOpen,
	}
	f.ledgers.On("OpenSettlements", mock.Anything, owner, adi.ID, models.DirectionUserOwes, "EUR").
		Return([]models.Settlement{open}, nil)
	f.ledgers.On("RecordPayment", mock.Anything, mock.MatchedBy(func(s *models.Settlement) bool {
		return s.ID == open.ID && s.Remaining.IsZero() && s.Status == models.SettlementSettled
	}), mock.MatchedBy(func(p *models.SettlementPayment) bool {
		return p.SettlementID == open.ID && p.Amount.Equal(decimal.NewFromInt(50)) && p.EntryID == entry.ID
	})).Return(nil)

	f.search.On("IndexEntry", mock.Anything, entry).Return(nil)
	f.entities.On("GetWithRelations", mock.Anything, adi.ID).Return(&adi, nil)
	f.search.On("IndexEntity", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := f.service.ProcessEntry(context.Background(), entry)
	require.NoError(t, err)

	f.ledgers.AssertExpectations(t)
}

func TestProcessEntryUnmatchedPaymentDropped(t *testing.T) {
	owner := uuid.New()
	adi := testPerson(owner, "Adi")
	entry := testEntry(owner, "oggi ho dato 50 euro ad Adi")
	f := newServiceFixture()

	f.entries.On("Save", mock.Anything, entry).Return(nil)
	f.rules.On("Get", mock.Anything, owner).Return(policy.Compile(owner, 0, nil), nil)
	f.entities.On("LoadOwnerGraph", mock.Anything, owner).Return([]models.CanonicalEntity{adi}, nil, nil)
	f.mutator.On("Apply", mock.Anything, mock.Anything).Return(nil)
	f.ledgers.On("OpenSettlements", mock.Anything, owner, adi.ID, models.DirectionUserOwes, "EUR").
		Return(nil, nil)
	f.search.On("IndexEntry", mock.Anything, entry).Return(nil)
	f.entities.On("GetWithRelations", mock.Anything, adi.ID).Return(&adi, nil)
	f.search.On("IndexEntity", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := f.service.ProcessEntry(context.Background(), entry)
	require.NoError(t, err)

	f.ledgers.AssertNotCalled(t, "RecordPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessEntryToleratesSearchFailure(t *testing.T) {
	owner := uuid.New()
	entry := testEntry(owner, "pranzo con Marco")
	f := newServiceFixture()

	f.entries.On("Save", mock.Anything, entry).Return(nil)
	f.rules.On("Get", mock.Anything, owner).Return(policy.Compile(owner, 0, nil), nil)
	f.entities.On("LoadOwnerGraph", mock.Anything, owner).Return(nil, nil, nil)
	f.mutator.On("Apply", mock.Anything, mock.Anything).Return(nil)
	f.ledgers.On("UpsertEvent", mock.Anything, mock.Anything).Return(nil)

	f.search.On("IndexEntry", mock.Anything, entry).Return(context.DeadlineExceeded)
	f.entities.On("GetWithRelations", mock.Anything, mock.Anything).Return(&models.CanonicalEntity{}, nil)
	f.search.On("IndexEntity", mock.Anything, mock.Anything, mock.Anything).Return(context.DeadlineExceeded)

	err := f.service.ProcessEntry(context.Background(), entry)
	require.NoError(t, err, "the search index is rebuildable, projection failures must not fail the entry")
}

func TestSearchNodesFollowsRedirectsAndDedupes(t *testing.T) {
	owner := uuid.New()
	head := testPerson(owner, "Felicia")
	merged := testPerson(owner, "Felia")
	f := newServiceFixture()

	f.search.On("SearchNodes", mock.Anything, owner, "feli", 10).
		Return([]uuid.UUID{merged.ID, head.ID}, nil)
	f.entities.On("ActiveRedirects", mock.Anything, owner).Return([]models.EntityRedirect{
		{FromEntityID: merged.ID, ToEntityID: head.ID},
	}, nil)
	f.entities.On("ListByIDs", mock.Anything, []uuid.UUID{head.ID}).
		Return([]models.CanonicalEntity{head}, nil)

	got, err := f.service.SearchNodes(context.Background(), owner, "feli", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, head.ID, got[0].ID)
}

func TestGetNodeViewFollowsRedirect(t *testing.T) {
	owner := uuid.New()
	head := testPerson(owner, "Felicia")
	head.Aliases = []models.EntityAlias{{ID: uuid.New(), EntityID: head.ID, Alias: "Feli", NormalizedAlias: "feli"}}
	head.Evidence = []models.Evidence{{ID: uuid.New(), EntityID: head.ID, EntryID: uuid.New(), EvidenceType: "mention"}}
	merged := testPerson(owner, "Felia")
	f := newServiceFixture()

	f.entities.On("ActiveRedirects", mock.Anything, owner).Return([]models.EntityRedirect{
		{FromEntityID: merged.ID, ToEntityID: head.ID},
	}, nil)
	f.entities.On("GetWithRelations", mock.Anything, head.ID).Return(&head, nil)
	f.ledgers.On("EventsForEntity", mock.Anything, head.ID).Return([]models.MemoryEvent{{ID: uuid.New()}}, nil)
	f.ledgers.On("SettlementsForEntity", mock.Anything, head.ID).Return(nil, nil)

	view, err := f.service.GetNodeView(context.Background(), owner, merged.ID)
	require.NoError(t, err)
	require.Equal(t, head.ID, view.Entity.ID)
	require.Len(t, view.Events, 1)
	require.NotNil(t, view.RedirectedFrom)
	require.Equal(t, merged.ID, *view.RedirectedFrom)

	// The view must carry aliases and evidence explicitly; the entity's own
	// JSON hides both relations.
	require.Len(t, view.Aliases, 1)
	require.Equal(t, "Feli", view.Aliases[0].Alias)
	require.Len(t, view.Evidence, 1)
	require.Equal(t, "mention", view.Evidence[0].EvidenceType)
}

func TestGetNodeViewServedFromCache(t *testing.T) {
	owner := uuid.New()
	head := testPerson(owner, "Felicia")
	f := newServiceFixture()
	views := new(MockViewCache)
	f.withViewCache(views)

	f.entities.On("ActiveRedirects", mock.Anything, owner).Return(nil, nil)
	views.On("Get", mock.Anything, cache.GetNodeViewCacheKey(head.ID), mock.Anything).
		Run(func(args mock.Arguments) {
			cached := args.Get(2).(*NodeView)
			cached.Entity = &head
		}).Return(nil)

	view, err := f.service.GetNodeView(context.Background(), owner, head.ID)
	require.NoError(t, err)
	require.Equal(t, head.ID, view.Entity.ID)

	f.entities.AssertNotCalled(t, "GetWithRelations", mock.Anything, mock.Anything)
	f.ledgers.AssertNotCalled(t, "EventsForEntity", mock.Anything, mock.Anything)
}

func TestGetNodeViewCacheMissFillsCache(t *testing.T) {
	owner := uuid.New()
	head := testPerson(owner, "Felicia")
	f := newServiceFixture()
	views := new(MockViewCache)
	f.withViewCache(views)

	key := cache.GetNodeViewCacheKey(head.ID)
	f.entities.On("ActiveRedirects", mock.Anything, owner).Return(nil, nil)
	views.On("Get", mock.Anything, key, mock.Anything).Return(errors.New("key not found in cache"))
	f.entities.On("GetWithRelations", mock.Anything, head.ID).Return(&head, nil)
	f.ledgers.On("EventsForEntity", mock.Anything, head.ID).Return(nil, nil)
	f.ledgers.On("SettlementsForEntity", mock.Anything, head.ID).Return(nil, nil)
	views.On("Set", mock.Anything, key, mock.MatchedBy(func(v *NodeView) bool {
		return v.Entity.ID == head.ID
	}), nodeViewTTL).Return(nil)

	view, err := f.service.GetNodeView(context.Background(), owner, head.ID)
	require.NoError(t, err)
	require.Equal(t, head.ID, view.Entity.ID)
	views.AssertExpectations(t)
}

func TestProcessEntryInvalidatesTouchedNodeViews(t *testing.T) {
	owner := uuid.New()
	entry := testEntry(owner, "pranzo con Marco")
	f := newServiceFixture()
	views := new(MockViewCache)
	f.withViewCache(views)

	f.entries.On("Save", mock.Anything, entry).Return(nil)
	f.rules.On("Get", mock.Anything, owner).Return(policy.Compile(owner, 0, nil), nil)
	f.entities.On("LoadOwnerGraph", mock.Anything, owner).Return(nil, nil, nil)

	var marcoID uuid.UUID
	f.mutator.On("Apply", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batch := args.Get(1).(*graph.Batch)
		require.Len(t, batch.NewEntities, 1)
		marcoID = batch.NewEntities[0].ID
	}).Return(nil)
	f.ledgers.On("UpsertEvent", mock.Anything, mock.Anything).Return(nil)
	f.search.On("IndexEntry", mock.Anything, entry).Return(nil)
	f.entities.On("GetWithRelations", mock.Anything, mock.Anything).Return(&models.CanonicalEntity{}, nil)
	f.search.On("IndexEntity", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	views.On("Delete", mock.Anything, mock.Anything).Return(nil)

	err := f.service.ProcessEntry(context.Background(), entry)
	require.NoError(t, err)

	views.AssertCalled(t, "Delete", mock.Anything, cache.GetNodeViewCacheKey(marcoID))
}

func TestProcessEntryDropsSuppressedEntityFromSearch(t *testing.T) {
	owner := uuid.New()
	entry := testEntry(owner, "pranzo con Marco")
	f := newServiceFixture()

	f.entries.On("Save", mock.Anything, entry).Return(nil)
	f.rules.On("Get", mock.Anything, owner).Return(policy.Compile(owner, 0, nil), nil)
	f.entities.On("LoadOwnerGraph", mock.Anything, owner).Return(nil, nil, nil)
	f.mutator.On("Apply", mock.Anything, mock.Anything).Return(nil)
	f.ledgers.On("UpsertEvent", mock.Anything, mock.Anything).Return(nil)
	f.search.On("IndexEntry", mock.Anything, entry).Return(nil)

	suppressed := &models.CanonicalEntity{
		ID:      uuid.New(),
		OwnerID: owner,
		Kind:    models.SuppressKind(models.KindPerson),
		Name:    "Marco",
	}
	f.entities.On("GetWithRelations", mock.Anything, mock.Anything).Return(suppressed, nil)
	f.search.On("DeleteEntity", mock.Anything, mock.Anything).Return(nil)

	err := f.service.ProcessEntry(context.Background(), entry)
	require.NoError(t, err)

	f.search.AssertCalled(t, "DeleteEntity", mock.Anything, mock.Anything)
	f.search.AssertNotCalled(t, "IndexEntity", mock.Anything, mock.Anything, mock.Anything)
}
