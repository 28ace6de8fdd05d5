package tagstate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/repository"
)

func TestSessions_OneStorePerProject(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	m := NewSessions(repo, Options{Scheduler: NewManualScheduler(t0)})
	defer m.Close()

	var wg sync.WaitGroup
	stores := make([]*Store, 8)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Get(context.Background(), "proj")
			if err != nil {
				t.Errorf("Expected no error, got %v", err)
				return
			}
			stores[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range stores[1:] {
		if s != stores[0] {
			t.Fatal("Expected every caller to receive the same store")
		}
	}
	if repo.loads != 1 {
		t.Errorf("Expected 1 load, got %d", repo.loads)
	}
	if got := m.Projects(); len(got) != 1 || got[0] != "proj" {
		t.Errorf("Expected [proj], got %v", got)
	}
}

func TestSessions_FailedLoadIsRetried(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	fail := true
	repo.loadFunc = func(ctx context.Context, projectID string) (*repository.LoadResult, error) {
		if fail {
			return nil, errors.New("backend down")
		}
		return &repository.LoadResult{Custom: []models.Tag{validTag("a", "Alpha")}}, nil
	}
	m := NewSessions(repo, Options{Scheduler: NewManualScheduler(t0)})

	if _, err := m.Get(context.Background(), "proj"); err == nil {
		t.Fatal("Expected first load to fail")
	}
	if len(m.Projects()) != 0 {
		t.Error("Expected failed session to be dropped")
	}

	fail = false
	s, err := m.Get(context.Background(), "proj")
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if len(s.Snapshot()) != 1 {
		t.Errorf("Expected 1 tag, got %d", len(s.Snapshot()))
	}
}

func TestSessions_SaveAllReportsDraftsOfSuspendedSessions(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	corruptDocument(t, repo)
	m := NewSessions(repo, Options{Scheduler: NewManualScheduler(t0)})
	defer m.Close()

	s, err := m.Get(context.Background(), "proj")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := s.Edit("good", models.TagPatch{Icon: strPtr("shield")}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	err = m.SaveAll(context.Background())
	if !errors.Is(err, ErrCorruptionOutstanding) {
		t.Fatalf("Expected ErrCorruptionOutstanding, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 unsaved draft(s)") {
		t.Errorf("Expected the draft count in %q", err.Error())
	}
	if repo.saveCount() != 0 {
		t.Errorf("Expected no write for a suspended session, got %d", repo.saveCount())
	}
	if dirty := s.Status().Dirty; len(dirty) != 1 || dirty[0] != "good" {
		t.Errorf("Expected draft to stay in memory, got %v", dirty)
	}
}

func TestSessions_SaveAllFlushesCleanSessions(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(t)
	m := NewSessions(repo, Options{Scheduler: NewManualScheduler(t0)})
	defer m.Close()

	s, err := m.Get(context.Background(), "proj")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	seedTags(t, s, validTag("a", "Alpha"))
	if _, err := s.Edit("a", models.TagPatch{Icon: strPtr("bolt")}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if err := m.SaveAll(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	stored, err := repo.Repository.Get(context.Background(), "proj", "a")
	if err != nil {
		t.Fatalf("Expected stored tag, got %v", err)
	}
	if stored.Icon != "bolt" {
		t.Errorf("Expected icon bolt, got %s", stored.Icon)
	}
}
