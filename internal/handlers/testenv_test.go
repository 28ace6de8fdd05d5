package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benvon/cohort-tags/internal/catalog"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/repository"
	"github.com/benvon/cohort-tags/internal/storage"
	"github.com/benvon/cohort-tags/internal/tagstate"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyBlobs fails writes while failWrites is set
type flakyBlobs struct {
	*storage.MemoryStore
	failWrites atomic.Bool
}

func (f *flakyBlobs) Store(ctx context.Context, projectID string, data []byte) error {
	if f.failWrites.Load() {
		return errors.New("connection refused")
	}
	return f.MemoryStore.Store(ctx, projectID, data)
}

type testEnv struct {
	router   *mux.Router
	blobs    *flakyBlobs
	sessions *tagstate.Sessions
	sched    *tagstate.ManualScheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	blobs := &flakyBlobs{MemoryStore: storage.NewMemoryStore()}
	repo := repository.New(storage.NewCollectionAdapter(blobs, zap.NewNop()), cat, cat, cat, zap.NewNop())
	sched := tagstate.NewManualScheduler(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	sessions := tagstate.NewSessions(repo, tagstate.Options{Scheduler: sched, Now: sched.Now, Logger: zap.NewNop()})
	t.Cleanup(sessions.Close)

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	NewCatalogHandler(cat, zap.NewNop()).RegisterRoutes(api)
	NewTagHandler(sessions, repo, cat, zap.NewNop()).RegisterRoutes(api.PathPrefix("/projects/{projectID}").Subrouter())
	NewOpenAPIHandler().RegisterRoutes(router)

	return &testEnv{router: router, blobs: blobs, sessions: sessions, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// decodeData unwraps the success envelope into out
func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), w.Body.String())
	require.True(t, envelope.Success, w.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

// decodeError returns the error body as a generic map
func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	require.Equal(t, false, body["success"])
	return body
}

func apiTag(id, name string, deps ...string) models.Tag {
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
