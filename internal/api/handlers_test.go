package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/activity"
	"github.com/loyaltyops/gmb-sync/internal/auth/google"
	"github.com/loyaltyops/gmb-sync/internal/auth/tokens"
	"github.com/loyaltyops/gmb-sync/internal/db"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"github.com/loyaltyops/gmb-sync/internal/gmb"
	"github.com/loyaltyops/gmb-sync/internal/ratelimit"
	"gorm.io/gorm"
)

const testBusinessID = "11111111-2222-3333-4444-555555555555"

type apiEnv struct {
	db      *gorm.DB
	router  http.Handler
	engine  *gmb.Engine
	store   *tokens.Store
	logger  *activity.Logger
	service *google.Service
}

func newAPIEnv(t *testing.T, upstream http.HandlerFunc) *apiEnv {
	t.Helper()

	gdb, err := db.InitDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if err := gdb.Create(&models.Business{
		ID:              testBusinessID,
		Name:            "Test Cafe",
		GoogleConnected: true,
	}).Error; err != nil {
		t.Fatalf("create business: %v", err)
	}

	store, err := tokens.NewStore(gdb)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Save(testBusinessID, &tokens.TokenSet{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("save tokens: %v", err)
	}

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	logger := activity.NewLogger(gdb)
	oauth := google.NewService(gdb, store, google.Credentials{}, logger)

	client := gmb.NewClient(ratelimit.NewLimiter(), ratelimit.NewCache(), gmb.WithBaseURLs(srv.URL))

	policy := gmb.DefaultPolicy()
	policy.InterCallDelay = 0
	policy.InterAccountDelay = 0
	engine := gmb.NewEngine(gdb, oauth, client, logger, policy)
	t.Cleanup(engine.Stop)

	handlers := NewHandlers(gdb, engine, oauth, logger)
	return &apiEnv{
		db:      gdb,
		router:  handlers.Routes(),
		engine:  engine,
		store:   store,
		logger:  logger,
		service: oauth,
	}
}

func (env *apiEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return payload
}

func happyUpstream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/accounts":
			fmt.Fprint(w, `{"accounts":[{"name":"accounts/100","accountName":"Cafe Group"}]}`)
		case strings.HasSuffix(r.URL.Path, "/locations"):
			fmt.Fprint(w, `{"locations":[{"name":"locations/1","title":"Main Street"}]}`)
		case strings.HasSuffix(r.URL.Path, "/verifications"):
			fmt.Fprint(w, `{"verifications":[]}`)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestCreateAndListBusinesses(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())

	rec := env.do(t, http.MethodPost, "/businesses", `{"name":"Second Cafe"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/businesses", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create without name = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/businesses", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	payload := decodeJSON(t, rec)
	businesses, _ := payload["businesses"].([]any)
	if len(businesses) != 2 {
		t.Fatalf("got %d businesses, want 2", len(businesses))
	}
}

func TestRefreshEndpoint(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())

	rec := env.do(t, http.MethodPost, "/businesses/"+testBusinessID+"/refresh?force=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	locations, _ := payload["locations"].([]any)
	if len(locations) != 1 {
		t.Fatalf("got %d locations, want 1", len(locations))
	}

	// A second unforced refresh is served from the stored snapshot.
	rec = env.do(t, http.MethodPost, "/businesses/"+testBusinessID+"/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cached refresh status = %d", rec.Code)
	}
	payload = decodeJSON(t, rec)
	if payload["from_cache"] != true {
		t.Fatal("unforced refresh right after a sync should come from cache")
	}
}

func TestRefreshCooldownMapsTo429(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())
	env.db.Model(&models.Business{}).Where("id = ?", testBusinessID).
		Update("last_manual_refresh", time.Now().Add(-30*time.Minute))

	rec := env.do(t, http.MethodPost, "/businesses/"+testBusinessID+"/refresh?force=1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body.String())
	}

	payload := decodeJSON(t, rec)
	wait, _ := payload["wait_minutes"].(float64)
	if wait < 29 || wait > 30 {
		t.Fatalf("wait_minutes = %v, want about 30", payload["wait_minutes"])
	}
	if payload["next_retry"] == nil {
		t.Fatal("deferred response should carry next_retry")
	}
}

func TestRefreshConflictWhileSyncRunning(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())

	if !env.engine.Locks().Acquire(testBusinessID, gmb.DefaultLockTTL) {
		t.Fatal("setup: could not take the lock")
	}
	defer env.engine.Locks().Release(testBusinessID)

	rec := env.do(t, http.MethodPost, "/businesses/"+testBusinessID+"/refresh?force=1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRefreshWithoutTokensMapsTo400(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())
	if err := env.store.Delete(testBusinessID); err != nil {
		t.Fatalf("delete tokens: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/businesses/"+testBusinessID+"/refresh?force=1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())

	rec := env.do(t, http.MethodGet, "/businesses/"+testBusinessID+"/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeJSON(t, rec)
	if payload["google_connected"] != true {
		t.Fatal("business should report connected")
	}
	if payload["can_refresh_now"] != true {
		t.Fatal("a never-refreshed business can refresh now")
	}
	if payload["sync_in_progress"] != false {
		t.Fatal("no sync should be running")
	}

	rec = env.do(t, http.MethodGet, "/businesses/unknown-id/status", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown business status = %d, want 404", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())
	for i := 0; i < 5; i++ {
		env.logger.Log(testBusinessID, activity.LevelInfo, fmt.Sprintf("event %d", i), nil)
	}

	rec := env.do(t, http.MethodGet, "/businesses/"+testBusinessID+"/logs?limit=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rec.Code)
	}
	payload := decodeJSON(t, rec)
	logs, _ := payload["logs"].([]any)
	if len(logs) != 3 {
		t.Fatalf("got %d log entries, want 3", len(logs))
	}

	rec = env.do(t, http.MethodDelete, "/businesses/"+testBusinessID+"/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear logs status = %d", rec.Code)
	}
	if remaining := env.logger.Logs(testBusinessID, 0); len(remaining) != 0 {
		t.Fatalf("%d entries remain after clearing", len(remaining))
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())

	rec := env.do(t, http.MethodPost, "/businesses/"+testBusinessID+"/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d: %s", rec.Code, rec.Body.String())
	}

	var b models.Business
	env.db.First(&b, "id = ?", testBusinessID)
	if b.GoogleConnected {
		t.Fatal("business should be disconnected")
	}
	if _, ok := env.store.Get(testBusinessID); ok {
		t.Fatal("tokens should be gone")
	}
}

func TestRunScheduledEndpoint(t *testing.T) {
	env := newAPIEnv(t, happyUpstream())

	rec := env.do(t, http.MethodPost, "/businesses/"+testBusinessID+"/run-scheduled", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/businesses/unknown-id/run-scheduled", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown business = %d, want 404", rec.Code)
	}
}
