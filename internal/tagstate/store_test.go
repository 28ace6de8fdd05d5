package tagstate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benvon/cohort-tags/internal/catalog"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/repository"
	"github.com/benvon/cohort-tags/internal/storage"
	"github.com/benvon/cohort-tags/internal/validation"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeRepo wraps a real repository over a memory store. Func fields override
// single methods; calls are counted.
type fakeRepo struct {
	*repository.Repository
	blobs *storage.MemoryStore

	loadFunc    func(ctx context.Context, projectID string) (*repository.LoadResult, error)
	createFunc  func(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (*models.Tag, error)
	saveAllFunc func(ctx context.Context, projectID string, req repository.SaveRequest) error

	mu    sync.Mutex
	saves int
	loads int
}

func (f *fakeRepo) Load(ctx context.Context, projectID string) (*repository.LoadResult, error) {
	f.mu.Lock()
	f.loads++
	fn := f.loadFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, projectID)
	}
	return f.Repository.Load(ctx, projectID)
}

func (f *fakeRepo) Create(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (*models.Tag, error) {
	f.mu.Lock()
	fn := f.createFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, projectID, tag, existing)
	}
	return f.Repository.Create(ctx, projectID, tag, existing)
}

func (f *fakeRepo) SaveAll(ctx context.Context, projectID string, req repository.SaveRequest) error {
	f.mu.Lock()
	f.saves++
	fn := f.saveAllFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, projectID, req)
	}
	return f.Repository.SaveAll(ctx, projectID, req)
}

func (f *fakeRepo) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func newFakeRepo(t *testing.T) *fakeRepo {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("Failed to load default catalog: %v", err)
	}
	blobs := storage.NewMemoryStore()
	adapter := storage.NewCollectionAdapter(blobs, zap.NewNop())
	return &fakeRepo{Repository: repository.New(adapter, cat, cat, cat, zap.NewNop()), blobs: blobs}
}

func validTag(id, name string, deps ...string) models.Tag {
	if deps == nil {
		deps = []string{}
	}
	return models.Tag{
		ID:          id,
		Name:        name,
		Category:    models.TagCategoryBehavior,
		Description: "Members older than thirty",
		Icon:        "user",
		Color:       "#12AB34",
		Behavior:    models.TagBehaviorDynamic,
		QualificationRules: models.QualificationRules{
			RuleType: models.ConditionTypeProperty,
			Logic:    models.RuleLogicAnd,
			Conditions: []models.RuleCondition{models.NewPropertyCondition(models.PropertyCondition{
				Object: "member", Field: "age", Operator: models.OperatorGreaterThan, Value: float64(30),
			})},
		},
		Dependencies: deps,
		IsCustom:     true,
	}
}

func newTestStore(t *testing.T, repo *fakeRepo) (*Store, *ManualScheduler) {
	t.Helper()
	sched := NewManualScheduler(t0)
	s := NewStore("proj", repo, Options{Scheduler: sched, Now: sched.Now, Logger: zap.NewNop()})
	t.Cleanup(s.Close)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load store: %v", err)
	}
	return s, sched
}

func seedTags(t *testing.T, s *Store, tags ...models.Tag) {
	t.Helper()
	for _, tag := range tags {
		res := s.Create(context.Background(), tag)
		if res.Err != nil || res.State != StateCommitted {
			t.Fatalf("Failed to seed %s: %s (%v)", tag.ID, res.State, res.Err)
		}
	}
}

func mustEdit(t *testing.T, s *Store, id string, patch models.TagPatch) {
	t.Helper()
	if _, err := s.Edit(id, patch); err != nil {
		t.Fatalf("Expected edit of %s to succeed, got %v", id, err)
	}
}

func strPtr(s string) *string { return &s }

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

// storedIDs returns the ids of the active tags a fresh load of storage yields,
// failing the test if any record would be quarantined
func storedIDs(t *testing.T, repo *fakeRepo) []string {
	t.Helper()
	res, err := repo.Repository.Load(context.Background(), "proj")
	if err != nil {
		t.Fatalf("Failed to load storage: %v", err)
	}
	if len(res.Quarantined) != 0 {
		t.Fatalf("Expected no quarantined records, got %v", res.Warnings)
	}
	ids := make([]string, 0, len(res.Custom)+len(res.Library))
	for _, tag := range res.Tags() {
		ids = append(ids, tag.ID)
	}
	sort.Strings(ids)
	return ids
}

// storedDocument returns the raw aggregate document
func storedDocument(t *testing.T, repo *fakeRepo) string {
	t.Helper()
	data, err := repo.blobs.Load(context.Background(), "proj")
	if err != nil {
		t.Fatalf("Failed to read storage: %v", err)
	}
	return string(data)
}

// blockSaveAll makes the next SaveAll wait for release before writing
func blockSaveAll(repo *fakeRepo) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	repo.mu.Lock()
	repo.saveAllFunc = func(ctx context.Context, projectID string, req repository.SaveRequest) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return repo.Repository.SaveAll(ctx, projectID, req)
	}
	repo.mu.Unlock()
	return entered, release
}

func failSaveAll(repo *fakeRepo, cause string) {
	repo.mu.Lock()
	repo.saveAllFunc = func(context.Context, string, repository.SaveRequest) error {
		return &storage.AdapterError{Op: "save_all", ProjectID: "proj", Err: errors.New(cause), Retryable: true}
	}
	repo.mu.Unlock()
}

func TestStore_CreateCommitsAndRollsBack(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)

	res := s.Create(context.Background(), validTag("a", "Alpha"))
	if res.Err != nil {
		t.Fatalf("Expected no error, got %v", res.Err)
	}
	if res.State != StateCommitted {
		t.Errorf("Expected committed state, got %s", res.State)
	}
	if res.Tag.CreatedAt.IsZero() {
		t.Error("Expected the confirmed value to replace the optimistic one")
	}

	bad := validTag("b", "Beta")
	bad.Color = "red"
	res = s.Create(context.Background(), bad)
	if res.State != StateRolledBack {
		t.Errorf("Expected rolled back state, got %s", res.State)
	}
	var ve *validation.ValidationError
	if !errors.As(res.Err, &ve) {
		t.Fatalf("Expected validation error, got %v", res.Err)
	}

	if _, found := s.Tag("b"); found {
		t.Error("Expected rolled back create to leave no trace")
	}
	if n := len(s.Snapshot()); n != 1 {
		t.Errorf("Expected 1 tag, got %d", n)
	}
}

func TestStore_UpdateRollbackRestoresSnapshotVerbatim(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"), validTag("b", "Beta"), validTag("c", "Gamma"))
	before := s.Snapshot()

	res := s.Update(context.Background(), "b", models.TagPatch{Name: strPtr("alpha")})
	if res.State != StateRolledBack {
		t.Errorf("Expected rolled back state, got %s", res.State)
	}
	var ve *validation.ValidationError
	if !errors.As(res.Err, &ve) || !ve.Result.HasKind(validation.KindUniqueness) {
		t.Fatalf("Expected uniqueness error, got %v", res.Err)
	}
	if got := s.Snapshot(); !reflect.DeepEqual(got, before) {
		t.Errorf("Expected snapshot to be restored, got %+v", got)
	}

	res = s.Update(context.Background(), "b", models.TagPatch{Name: strPtr("Beta Prime")})
	if res.Err != nil || res.State != StateCommitted {
		t.Fatalf("Expected committed update, got %s (%v)", res.State, res.Err)
	}
	if got, _ := s.Tag("b"); got.Name != "Beta Prime" {
		t.Errorf("Expected name Beta Prime, got %s", got.Name)
	}

	res = s.Update(context.Background(), "missing", models.TagPatch{Name: strPtr("X")})
	if !errors.Is(res.Err, ErrTagNotFound) {
		t.Errorf("Expected ErrTagNotFound, got %v", res.Err)
	}
	if res.State != StateIdle {
		t.Errorf("Expected idle state, got %s", res.State)
	}
}

func TestStore_UpdateRollbackOnStorageFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"))
	before := s.Snapshot()

	// Drop the stored document so the adapter update fails
	if err := repo.blobs.Store(context.Background(), "proj", []byte(`{"library":[],"custom":[]}`)); err != nil {
		t.Fatalf("Failed to reset storage: %v", err)
	}

	res := s.Update(context.Background(), "a", models.TagPatch{Color: strPtr("#000000")})
	if res.State != StateRolledBack {
		t.Errorf("Expected rolled back state, got %s", res.State)
	}
	if !errors.Is(res.Err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", res.Err)
	}
	if got := s.Snapshot(); !reflect.DeepEqual(got, before) {
		t.Errorf("Expected snapshot to be restored, got %+v", got)
	}
}

func TestStore_DeleteConflictRestoresPosition(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"), validTag("b", "Beta", "a"), validTag("c", "Gamma"))
	before := s.Snapshot()

	res := s.Delete(context.Background(), "a", repository.DeleteOptions{})
	if res.State != StateRolledBack {
		t.Errorf("Expected rolled back state, got %s", res.State)
	}
	var dce *repository.DependencyConflictError
	if !errors.As(res.Err, &dce) {
		t.Fatalf("Expected dependency conflict, got %v", res.Err)
	}
	if got := s.Snapshot(); !reflect.DeepEqual(got, before) {
		t.Errorf("Expected restored tag at its original position, got %+v", got)
	}

	res = s.Delete(context.Background(), "a", repository.DeleteOptions{Cascade: true})
	if res.Err != nil || res.State != StateCommitted {
		t.Fatalf("Expected committed delete, got %s (%v)", res.State, res.Err)
	}
	if len(res.Updated) != 1 {
		t.Fatalf("Expected 1 updated dependent, got %d", len(res.Updated))
	}

	b, ok := s.Tag("b")
	if !ok {
		t.Fatal("Expected b to remain")
	}
	if len(b.Dependencies) != 0 {
		t.Errorf("Expected b without dependencies, got %v", b.Dependencies)
	}
	if n := len(s.Snapshot()); n != 2 {
		t.Errorf("Expected 2 tags, got %d", n)
	}
}

func TestStore_DifferentTagsMutateIndependently(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	for i := 0; i < 10; i++ {
		seedTags(t, s, validTag(fmt.Sprintf("t%d", i), fmt.Sprintf("Tag %d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := s.Update(context.Background(), fmt.Sprintf("t%d", i), models.TagPatch{Icon: strPtr("flag")})
			if res.Err != nil {
				t.Errorf("Expected update of t%d to succeed, got %v", i, res.Err)
			}
		}(i)
	}
	wg.Wait()

	for _, tag := range s.Snapshot() {
		if tag.Icon != "flag" {
			t.Errorf("Expected %s icon flag, got %s", tag.ID, tag.Icon)
		}
	}
}

func TestStore_StaleLoadIsDiscarded(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)

	release := make(chan struct{})
	started := make(chan struct{})
	var calls int
	repo.mu.Lock()
	repo.loadFunc = func(ctx context.Context, projectID string) (*repository.LoadResult, error) {
		repo.mu.Lock()
		calls++
		n := calls
		repo.mu.Unlock()
		if n == 1 {
			close(started)
			<-release
			return &repository.LoadResult{Custom: []models.Tag{validTag("old", "Old")}}, nil
		}
		return &repository.LoadResult{Custom: []models.Tag{validTag("new", "New")}}, nil
	}
	repo.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- s.Load(context.Background()) }()
	<-started

	s.mu.Lock()
	superseding := s.loadSeq + 1
	s.mu.Unlock()
	newer := make(chan error, 1)
	go func() { newer <- s.Load(context.Background()) }()
	waitUntil(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadSeq >= superseding
	})

	close(release)
	if err := <-errc; !errors.Is(err, ErrStaleLoad) {
		t.Errorf("Expected ErrStaleLoad, got %v", err)
	}
	if err := <-newer; err != nil {
		t.Fatalf("Expected newer load to succeed, got %v", err)
	}

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != "new" {
		t.Errorf("Expected only the newer snapshot, got %+v", snap)
	}
}

func TestStore_SwitchProjectMarksLoadsStale(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, sched := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"))
	mustEdit(t, s, "a", models.TagPatch{Icon: strPtr("bolt")})

	release := make(chan struct{})
	started := make(chan struct{})
	repo.mu.Lock()
	repo.loadFunc = func(ctx context.Context, projectID string) (*repository.LoadResult, error) {
		close(started)
		<-release
		return &repository.LoadResult{Custom: []models.Tag{validTag("x", "From Old Project")}}, nil
	}
	repo.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- s.Load(context.Background()) }()
	<-started

	s.SwitchProject("other")
	close(release)
	if err := <-errc; !errors.Is(err, ErrStaleLoad) {
		t.Errorf("Expected ErrStaleLoad, got %v", err)
	}
	if snap := s.Snapshot(); len(snap) != 0 {
		t.Errorf("Expected empty snapshot, got %+v", snap)
	}
	if id := s.ProjectID(); id != "other" {
		t.Errorf("Expected project other, got %s", id)
	}

	sched.Advance(time.Minute)
	if n := repo.saveCount(); n != 0 {
		t.Errorf("Expected the pending auto-save to be cancelled, got %d saves", n)
	}
}

func TestStore_AutoSaveDebounce(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, sched := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"))

	mustEdit(t, s, "a", models.TagPatch{Icon: strPtr("one")})
	sched.Advance(20 * time.Second)
	mustEdit(t, s, "a", models.TagPatch{Icon: strPtr("two")})
	sched.Advance(20 * time.Second)
	if n := repo.saveCount(); n != 0 {
		t.Errorf("Expected the timer to restart on every edit, got %d saves", n)
	}
	if !s.Status().PendingAutoSave {
		t.Error("Expected an auto-save to be pending")
	}

	sched.Advance(10 * time.Second)
	if n := repo.saveCount(); n != 1 {
		t.Errorf("Expected 1 save, got %d", n)
	}
	if n := sched.Pending(); n != 0 {
		t.Errorf("Expected no pending tasks, got %d", n)
	}

	status := s.Status()
	if len(status.Dirty) != 0 {
		t.Errorf("Expected nothing dirty, got %v", status.Dirty)
	}
	if status.PendingAutoSave {
		t.Error("Expected no pending auto-save")
	}
	if status.LastSavedAt == nil {
		t.Fatal("Expected lastSavedAt to be set")
	}

	stored, err := repo.Get(context.Background(), "proj", "a")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if stored.Icon != "two" {
		t.Errorf("Expected stored icon two, got %s", stored.Icon)
	}

	// Nothing dirty: the next timer-less flush writes nothing
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if n := repo.saveCount(); n != 1 {
		t.Errorf("Expected no further save, got %d", n)
	}
}

func corruptDocument(t *testing.T, repo *fakeRepo) string {
	t.Helper()
	good, err := storage.EncodeTag(validTag("good", "Good"))
	if err != nil {
		t.Fatalf("Failed to encode tag: %v", err)
	}
	broken := `{"id":"broken","name":"Broken","qualificationRules":{"ruleType":"property","logic":"AND","conditions":[{"mystery":1}]}}`
	doc := fmt.Sprintf(`{"library":[],"custom":[%s,%s]}`, good, broken)
	if err := repo.blobs.Store(context.Background(), "proj", []byte(doc)); err != nil {
		t.Fatalf("Failed to seed storage: %v", err)
	}
	return broken
}

func TestStore_CorruptionSuspendsAutoSave(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	broken := corruptDocument(t, repo)
	s, sched := newTestStore(t, repo)

	if !s.AutoSaveSuspended() {
		t.Error("Expected auto-save to be suspended")
	}
	warnings := s.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(warnings))
	}
	if warnings[0].Type != models.CorruptionSchemaInvalid || warnings[0].Count != 1 {
		t.Errorf("Expected 1 %s warning, got %d %s", models.CorruptionSchemaInvalid, warnings[0].Count, warnings[0].Type)
	}

	mustEdit(t, s, "good", models.TagPatch{Icon: strPtr("shield")})
	sched.Advance(DefaultAutoSaveDelay)

	if n := repo.saveCount(); n != 0 {
		t.Errorf("Expected no auto-save while corruption is outstanding, got %d saves", n)
	}
	status := s.Status()
	if status.SkippedAutoSaves != 1 {
		t.Errorf("Expected 1 skipped auto-save, got %d", status.SkippedAutoSaves)
	}
	if !reflect.DeepEqual(status.Dirty, []string{"good"}) {
		t.Errorf("Expected dirty [good], got %v", status.Dirty)
	}
	if status.LastError != ErrCorruptionOutstanding.Error() {
		t.Errorf("Expected last error %q, got %q", ErrCorruptionOutstanding.Error(), status.LastError)
	}

	// A manual save writes the quarantined record back untouched
	if err := s.Save(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	doc := storedDocument(t, repo)
	for _, want := range []string{`"mystery":1`, `"shield"`, broken} {
		if !strings.Contains(doc, want) {
			t.Errorf("Expected stored document to contain %s, got %s", want, doc)
		}
	}
	if n := len(s.Quarantined()); n != 1 {
		t.Errorf("Expected 1 quarantined record, got %d", n)
	}
}

func TestStore_DiscardQuarantined(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	corruptDocument(t, repo)
	s, _ := newTestStore(t, repo)

	if err := s.DiscardQuarantined(context.Background(), "nope"); !errors.Is(err, ErrQuarantineNotFound) {
		t.Errorf("Expected ErrQuarantineNotFound, got %v", err)
	}
	if n := len(s.Quarantined()); n != 1 {
		t.Errorf("Expected 1 quarantined record, got %d", n)
	}

	if err := s.DiscardQuarantined(context.Background(), "broken"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if s.AutoSaveSuspended() {
		t.Error("Expected auto-save to resume")
	}
	if w := s.Warnings(); len(w) != 0 {
		t.Errorf("Expected no warnings, got %+v", w)
	}
	if doc := storedDocument(t, repo); strings.Contains(doc, "mystery") {
		t.Errorf("Expected discarded record to be gone, got %s", doc)
	}
}

func TestStore_DiscardFailureKeepsQuarantine(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	corruptDocument(t, repo)
	s, _ := newTestStore(t, repo)
	failSaveAll(repo, "down")

	err := s.DiscardQuarantined(context.Background(), "broken")
	if !storage.IsRetryable(err) {
		t.Errorf("Expected retryable error, got %v", err)
	}
	if n := len(s.Quarantined()); n != 1 {
		t.Errorf("Expected 1 quarantined record, got %d", n)
	}
	if !s.AutoSaveSuspended() {
		t.Error("Expected auto-save to stay suspended")
	}
}

func TestStore_ResolveQuarantined(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	corruptDocument(t, repo)
	s, _ := newTestStore(t, repo)

	dup := validTag("ignored", "good")
	res := s.ResolveQuarantined(context.Background(), "broken", dup)
	var ve *validation.ValidationError
	if !errors.As(res.Err, &ve) {
		t.Fatalf("Expected validation error, got %v", res.Err)
	}
	if n := len(s.Quarantined()); n != 1 {
		t.Errorf("Expected an invalid fix to leave the record quarantined, got %d records", n)
	}

	res = s.ResolveQuarantined(context.Background(), "broken", validTag("ignored", "Broken Fixed"))
	if res.Err != nil || res.State != StateCommitted {
		t.Fatalf("Expected committed resolve, got %s (%v)", res.State, res.Err)
	}
	if res.Tag.ID != "broken" {
		t.Errorf("Expected resolved tag to keep id broken, got %s", res.Tag.ID)
	}
	if s.AutoSaveSuspended() {
		t.Error("Expected auto-save to resume")
	}

	reloaded, err := repo.Repository.Load(context.Background(), "proj")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(reloaded.Quarantined) != 0 {
		t.Errorf("Expected no quarantined records, got %d", len(reloaded.Quarantined))
	}
	if len(reloaded.Custom) != 2 {
		t.Errorf("Expected 2 custom tags, got %d", len(reloaded.Custom))
	}
}

func TestStore_FlushStorageFailureRollsBackBatch(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"), validTag("b", "Beta"))
	before := s.Snapshot()

	mustEdit(t, s, "a", models.TagPatch{Icon: strPtr("x")})
	mustEdit(t, s, "b", models.TagPatch{Icon: strPtr("y")})
	failSaveAll(repo, "timeout")

	err := s.Flush(context.Background())
	var ae *storage.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected adapter error, got %v", err)
	}
	if !ae.Retryable {
		t.Error("Expected the adapter error to be retryable")
	}
	if got := s.Snapshot(); !reflect.DeepEqual(got, before) {
		t.Errorf("Expected the whole batch to roll back, got %+v", got)
	}
	if dirty := s.Status().Dirty; len(dirty) != 0 {
		t.Errorf("Expected nothing dirty, got %v", dirty)
	}
}

func TestStore_FlushRollsBackOnlyInvalidTags(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"), validTag("b", "Beta"))

	mustEdit(t, s, "a", models.TagPatch{Color: strPtr("purple")})
	mustEdit(t, s, "b", models.TagPatch{Icon: strPtr("ok")})

	err := s.Flush(context.Background())
	var bve *repository.BatchValidationError
	if !errors.As(err, &bve) {
		t.Fatalf("Expected batch validation error, got %v", err)
	}
	if ids := bve.IDs(); !reflect.DeepEqual(ids, []string{"a"}) {
		t.Errorf("Expected rejected ids [a], got %v", ids)
	}

	if a, _ := s.Tag("a"); a.Color != "#12AB34" {
		t.Errorf("Expected invalid tag to roll back to its committed color, got %s", a.Color)
	}
	if b, _ := s.Tag("b"); b.Icon != "ok" {
		t.Errorf("Expected icon ok, got %s", b.Icon)
	}

	stored, err := repo.Get(context.Background(), "proj", "b")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if stored.Icon != "ok" {
		t.Errorf("Expected stored icon ok, got %s", stored.Icon)
	}
	if dirty := s.Status().Dirty; len(dirty) != 0 {
		t.Errorf("Expected nothing dirty, got %v", dirty)
	}
}

func TestStore_ImmediateMutationDuringFlush(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(s *Store) MutationResult
		wantStored []string
	}{
		{
			name:       "create",
			mutate:     func(s *Store) MutationResult { return s.Create(context.Background(), validTag("c", "Gamma")) },
			wantStored: []string{"a", "b", "c"},
		},
		{
			name:       "delete",
			mutate:     func(s *Store) MutationResult { return s.Delete(context.Background(), "b", repository.DeleteOptions{}) },
			wantStored: []string{"a"},
		},
		{
			name: "update",
			mutate: func(s *Store) MutationResult {
				return s.Update(context.Background(), "b", models.TagPatch{Icon: strPtr("anchor")})
			},
			wantStored: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := newFakeRepo(t)
			s, _ := newTestStore(t, repo)
			seedTags(t, s, validTag("a", "Alpha"), validTag("b", "Beta"))
			if _, err := s.Edit("a", models.TagPatch{Icon: strPtr("draft")}); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}

			entered, release := blockSaveAll(repo)
			flushed := make(chan error, 1)
			go func() { flushed <- s.Flush(context.Background()) }()
			<-entered

			mutated := make(chan MutationResult, 1)
			go func() { mutated <- tt.mutate(s) }()
			time.Sleep(20 * time.Millisecond)
			close(release)

			if err := <-flushed; err != nil {
				t.Fatalf("Expected flush to succeed, got %v", err)
			}
			res := <-mutated
			if res.State != StateCommitted {
				t.Fatalf("Expected committed mutation, got %s (%v)", res.State, res.Err)
			}

			if got := storedIDs(t, repo); !reflect.DeepEqual(got, tt.wantStored) {
				t.Errorf("Expected stored ids %v, got %v", tt.wantStored, got)
			}
			stored, err := repo.Repository.Get(context.Background(), "proj", "a")
			if err != nil {
				t.Fatalf("Expected tag a to be stored, got %v", err)
			}
			if stored.Icon != "draft" {
				t.Errorf("Expected flushed draft icon, got %s", stored.Icon)
			}
			if tt.name == "update" {
				b, err := repo.Repository.Get(context.Background(), "proj", "b")
				if err != nil {
					t.Fatalf("Expected tag b to be stored, got %v", err)
				}
				if b.Icon != "anchor" {
					t.Errorf("Expected committed update to survive the flush, got icon %s", b.Icon)
				}
			}
			if dirty := s.Status().Dirty; len(dirty) != 0 {
				t.Errorf("Expected nothing dirty, got %v", dirty)
			}
		})
	}
}

func TestStore_UpdateIsValidatedAgainstCommittedTags(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"), validTag("b", "Beta"))

	// The rename of a is only a draft; storage still holds "Alpha"
	if _, err := s.Edit("a", models.TagPatch{Name: strPtr("Gamma")}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	res := s.Update(context.Background(), "b", models.TagPatch{Name: strPtr("Alpha")})
	if res.State != StateRolledBack {
		t.Fatalf("Expected rolled back update, got %s", res.State)
	}
	var ve *validation.ValidationError
	if !errors.As(res.Err, &ve) || !ve.Result.HasKind(validation.KindUniqueness) {
		t.Fatalf("Expected uniqueness error, got %v", res.Err)
	}

	// Taking the draft's new name is fine for storage; the draft then loses at save
	res = s.Update(context.Background(), "b", models.TagPatch{Name: strPtr("Gamma")})
	if res.State != StateCommitted {
		t.Fatalf("Expected committed update, got %s (%v)", res.State, res.Err)
	}
	var bve *repository.BatchValidationError
	if err := s.Flush(context.Background()); !errors.As(err, &bve) {
		t.Fatalf("Expected batch validation error, got %v", err)
	}
	if a, _ := s.Tag("a"); a.Name != "Alpha" {
		t.Errorf("Expected draft rename to roll back to Alpha, got %s", a.Name)
	}

	if got := storedIDs(t, repo); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Expected stored ids [a b], got %v", got)
	}
}

func TestStore_LoadWaitsForInFlightMutation(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	s, _ := newTestStore(t, repo)
	seedTags(t, s, validTag("a", "Alpha"))

	entered := make(chan struct{})
	release := make(chan struct{})
	repo.mu.Lock()
	repo.createFunc = func(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (*models.Tag, error) {
		close(entered)
		<-release
		return repo.Repository.Create(ctx, projectID, tag, existing)
	}
	repo.mu.Unlock()

	created := make(chan MutationResult, 1)
	go func() { created <- s.Create(context.Background(), validTag("b", "Beta")) }()
	<-entered

	loaded := make(chan error, 1)
	go func() { loaded <- s.Load(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if res := <-created; res.State != StateCommitted {
		t.Fatalf("Expected committed create, got %s (%v)", res.State, res.Err)
	}
	if err := <-loaded; err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if _, ok := s.Tag("b"); !ok {
		t.Error("Expected the load to observe the committed create")
	}
	if n := len(s.Snapshot()); n != 2 {
		t.Errorf("Expected 2 tags, got %d", n)
	}
}

func TestStore_ResolveRejectsIDHeldByActiveTag(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	good, err := storage.EncodeTag(validTag("good", "Good"))
	if err != nil {
		t.Fatalf("Failed to encode tag: %v", err)
	}
	again, err := storage.EncodeTag(validTag("good", "Good Again"))
	if err != nil {
		t.Fatalf("Failed to encode tag: %v", err)
	}
	doc := fmt.Sprintf(`{"library":[],"custom":[%s,%s]}`, good, again)
	if err := repo.blobs.Store(context.Background(), "proj", []byte(doc)); err != nil {
		t.Fatalf("Failed to seed storage: %v", err)
	}
	s, _ := newTestStore(t, repo)
	if n := len(s.Quarantined()); n != 1 {
		t.Fatalf("Expected 1 quarantined record, got %d", n)
	}

	res := s.ResolveQuarantined(context.Background(), "good", validTag("", "Good Fixed"))
	if !errors.Is(res.Err, storage.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", res.Err)
	}
	if res.State != StateIdle {
		t.Errorf("Expected idle state, got %s", res.State)
	}
	if active, _ := s.Tag("good"); active.Name != "Good" {
		t.Errorf("Expected active tag to be untouched, got %s", active.Name)
	}
	if n := len(s.Quarantined()); n != 1 {
		t.Errorf("Expected the record to stay quarantined, got %d records", n)
	}
	if repo.saveCount() != 0 {
		t.Errorf("Expected no write, got %d", repo.saveCount())
	}

	res = s.ResolveQuarantined(context.Background(), "", validTag("", "Blank"))
	if !errors.Is(res.Err, ErrQuarantineNotFound) {
		t.Errorf("Expected ErrQuarantineNotFound for a blank id, got %v", res.Err)
	}
}
