package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fixedClock {
	return &fixedClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

type backend struct {
	name  string
	store func(t *testing.T) BlobStore
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) BlobStore { return NewMemoryStore() }},
		{"badger", func(t *testing.T) BlobStore {
			s, err := OpenBadgerStore(BadgerConfig{InMemory: true}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"redis", func(t *testing.T) BlobStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client)
		}},
	}
}

func sampleTag(name string, custom bool) models.Tag {
	return models.Tag{
		Name:        name,
		Category:    models.TagCategoryBehavior,
		Description: "A sample tag for storage tests",
		Icon:        "star",
		Color:       "#ABCDEF",
		Behavior:    models.TagBehaviorDynamic,
		QualificationRules: models.QualificationRules{
			RuleType: models.ConditionTypeActivity,
			Logic:    models.RuleLogicOr,
			Conditions: []models.RuleCondition{
				models.NewActivityCondition(models.ActivityCondition{
					EventType:  "card_swipe",
					Occurrence: models.OccurrenceHasOccurred,
					Filters: []models.PropertyCondition{
						{Object: "transaction", Field: "amount", Operator: models.OperatorGreaterThan, Value: float64(10)},
						{Object: "transaction", Field: "channel", Operator: models.OperatorIn, Value: []any{"pos", "online"}},
					},
				}),
			},
		},
		Dependencies: []string{},
		IsCustom:     custom,
	}
}

// Every backend must produce the same logical results for the same calls.
func TestCollectionAdapter_Conformance(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clock := newClock()
			ids := 0
			adapter := NewCollectionAdapter(b.store(t), zap.NewNop(),
				WithClock(clock.Now),
				WithIDGenerator(func() string { ids++; return fmt.Sprintf("id-%d", ids) }),
			)

			empty, err := adapter.GetAll(ctx, "proj")
			require.NoError(t, err)
			assert.Equal(t, 0, empty.Len())

			lib, err := adapter.Create(ctx, "proj", sampleTag("Library Tag", false))
			require.NoError(t, err)
			assert.Equal(t, "id-1", lib.ID)
			assert.Equal(t, clock.Now(), lib.CreatedAt)

			custom, err := adapter.Create(ctx, "proj", sampleTag("Custom Tag", true))
			require.NoError(t, err)

			all, err := adapter.GetAll(ctx, "proj")
			require.NoError(t, err)
			require.Len(t, all.Library, 1)
			require.Len(t, all.Custom, 1)

			got, err := adapter.Get(ctx, "proj", custom.ID)
			require.NoError(t, err)
			assert.True(t, models.SameContent(*custom, *got), "expected stored tag to round trip")
			assert.Equal(t, []any{"pos", "online"}, got.QualificationRules.Conditions[0].Activity.Filters[1].Value)

			clock.Advance(time.Minute)
			color := "#000000"
			updated, err := adapter.Update(ctx, "proj", custom.ID, models.TagPatch{Color: &color})
			require.NoError(t, err)
			assert.Equal(t, "#000000", updated.Color)
			assert.Equal(t, clock.Now(), updated.UpdatedAt)
			assert.Equal(t, custom.CreatedAt, updated.CreatedAt)

			require.NoError(t, adapter.Delete(ctx, "proj", lib.ID))
			_, err = adapter.Get(ctx, "proj", lib.ID)
			assert.True(t, errors.Is(err, ErrNotFound))

			other, err := adapter.GetAll(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, 0, other.Len(), "projects must be isolated")

			if lister, ok := adapter.Store().(ProjectLister); ok {
				projects, err := lister.ListProjectIDs(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"proj"}, projects)
			}
		})
	}
}

func TestCollectionAdapter_UpdateIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	adapter := NewCollectionAdapter(store, zap.NewNop(), WithClock(clock.Now))

	tag, err := adapter.Create(ctx, "proj", sampleTag("Idempotent", true))
	require.NoError(t, err)

	name := "Renamed"
	patch := models.TagPatch{Name: &name}

	clock.Advance(time.Minute)
	_, err = adapter.Update(ctx, "proj", tag.ID, patch)
	require.NoError(t, err)
	once, err := store.Load(ctx, "proj")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := adapter.Update(ctx, "proj", tag.ID, patch)
	require.NoError(t, err)
	twice, err := store.Load(ctx, "proj")
	require.NoError(t, err)

	assert.JSONEq(t, string(once), string(twice))
	assert.Equal(t, tag.CreatedAt.Add(time.Minute), second.UpdatedAt)
}

func TestCollectionAdapter_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	adapter := NewCollectionAdapter(NewMemoryStore(), nil)

	_, err := adapter.Get(ctx, "proj", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = adapter.Update(ctx, "proj", "missing", models.TagPatch{})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, adapter.Delete(ctx, "proj", "missing"), ErrNotFound)

	tag := sampleTag("Dup", true)
	tag.ID = "fixed"
	_, err = adapter.Create(ctx, "proj", tag)
	require.NoError(t, err)
	_, err = adapter.Create(ctx, "proj", tag)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

type failingStore struct {
	err error
}

func (f failingStore) Load(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Store(context.Context, string, []byte) error  { return f.err }

func TestCollectionAdapter_BackendFailureIsAdapterError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	adapter := NewCollectionAdapter(failingStore{err: errors.New("connection reset")}, zap.NewNop())

	_, err := adapter.GetAll(ctx, "proj")
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "get_all", ae.Op)
	assert.Equal(t, "proj", ae.ProjectID)
	assert.True(t, ae.Retryable)
	assert.True(t, IsRetryable(err))

	canceled := NewCollectionAdapter(failingStore{err: context.Canceled}, zap.NewNop())
	err = canceled.SaveAll(ctx, "proj", &RawCollection{})
	require.ErrorAs(t, err, &ae)
	assert.False(t, ae.Retryable)
}

func TestCollectionAdapter_CorruptRecordSurvives(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	doc := `{"library":[],"custom":[{"id":"bad","name":"Broken","qualificationRules":{"ruleType":"property","logic":"AND","conditions":[{"weird":true}]}}]}`
	require.NoError(t, store.Store(ctx, "proj", []byte(doc)))

	adapter := NewCollectionAdapter(store, zap.NewNop())
	raw, err := adapter.GetAll(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, raw.Custom, 1)

	_, err = DecodeTag(raw.Custom[0])
	assert.Error(t, err)

	created, err := adapter.Create(ctx, "proj", sampleTag("Healthy", true))
	require.NoError(t, err)

	raw, err = adapter.GetAll(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, raw.Custom, 2)
	id, name := PeekIdentity(raw.Custom[0])
	assert.Equal(t, "bad", id)
	assert.Equal(t, "Broken", name)
	assert.Contains(t, string(raw.Custom[0]), `"weird":true`)

	require.NoError(t, adapter.Delete(ctx, "proj", "bad"))
	raw, err = adapter.GetAll(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, raw.Custom, 1)
	id, _ = PeekIdentity(raw.Custom[0])
	assert.Equal(t, created.ID, id)
}

func TestCollectionAdapter_ConcurrentCreatesAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	adapter := NewCollectionAdapter(NewMemoryStore(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := adapter.Create(ctx, "proj", sampleTag(fmt.Sprintf("Tag %d", i), true))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	raw, err := adapter.GetAll(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, raw.Custom, 25, "no create may be lost to a read-modify-write race")
}

func TestCollectionAdapter_SaveAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	adapter := NewCollectionAdapter(store, zap.NewNop())

	coll, err := EncodeCollection(models.TagCollection{
		Library: []models.Tag{{ID: "a", Name: "Alpha"}},
		Custom:  []models.Tag{{ID: "b", Name: "Beta", IsCustom: true}},
	})
	require.NoError(t, err)
	coll.Custom = append(coll.Custom, json.RawMessage(`{"id":"q","junk":1}`))

	require.NoError(t, adapter.SaveAll(ctx, "proj", coll))

	raw, err := adapter.GetAll(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, raw.Library, 1)
	assert.Len(t, raw.Custom, 2)
	assert.JSONEq(t, `{"id":"q","junk":1}`, string(raw.Custom[1]))
}
