package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
	appsvc "github.com/airliftd/airlift/internal/service/app"
	"github.com/airliftd/airlift/internal/service/auth"
	buildsvc "github.com/airliftd/airlift/internal/service/build"
	"github.com/airliftd/airlift/internal/service/release"
	"github.com/airliftd/airlift/internal/service/update"
	"github.com/airliftd/airlift/internal/ws"
	"github.com/airliftd/airlift/pkg/config"
)

type fakeStore struct {
	apps        map[string]domain.App
	builds      []domain.Build
	deployments []domain.Deployment
	users       map[string]domain.User
	tokens      map[string]domain.APIToken
	nextBuild   int64
	nextDeploy  int64
}

func (f *fakeStore) CreateApp(ctx context.Context, app *domain.App) error {
	if _, ok := f.apps[app.ID]; ok {
		return repository.ErrDuplicate
	}
	f.apps[app.ID] = *app
	return nil
}

func (f *fakeStore) GetAppByID(ctx context.Context, appID string) (*domain.App, error) {
	if app, ok := f.apps[appID]; ok {
		return &app, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListAppsByUser(ctx context.Context, userID string) ([]domain.App, error) {
	out := make([]domain.App, 0)
	for _, app := range f.apps {
		if app.UserID == userID {
			out = append(out, app)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateBuild(ctx context.Context, build *domain.Build) error {
	f.nextBuild++
	build.ID = f.nextBuild
	f.builds = append(f.builds, *build)
	return nil
}

func (f *fakeStore) GetBuildByID(ctx context.Context, buildID int64) (*domain.Build, error) {
	for i := range f.builds {
		if f.builds[i].ID == buildID {
			return &f.builds[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetBuildBySnapshot(ctx context.Context, appID, snapshotID string) (*domain.Build, error) {
	for i := range f.builds {
		if f.builds[i].AppID == appID && f.builds[i].SnapshotID == snapshotID {
			return &f.builds[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListBuildsByApp(ctx context.Context, appID string) ([]domain.Build, error) {
	out := make([]domain.Build, 0)
	for i := len(f.builds) - 1; i >= 0; i-- {
		if f.builds[i].AppID == appID {
			out = append(out, f.builds[i])
		}
	}
	return out, nil
}

func (f *fakeStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	f.nextDeploy++
	deployment.ID = f.nextDeploy
	f.deployments = append(f.deployments, *deployment)
	return nil
}

func (f *fakeStore) GetLatestDeployment(ctx context.Context, appID, channelName string) (*domain.Deployment, error) {
	var latest *domain.Deployment
	for i := range f.deployments {
		d := &f.deployments[i]
		if d.AppID == appID && d.ChannelName == channelName && (latest == nil || d.ID > latest.ID) {
			latest = d
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

func (f *fakeStore) ListDeploymentsByApp(ctx context.Context, appID string) ([]domain.DeploymentDetail, error) {
	return nil, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, user *domain.User) error {
	f.users[user.ID] = *user
	return nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if u, ok := f.users[id]; ok {
		return &u, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) CreateToken(ctx context.Context, token *domain.APIToken) error {
	f.tokens[token.Token] = *token
	return nil
}

func (f *fakeStore) GetToken(ctx context.Context, token string) (*domain.APIToken, error) {
	if t, ok := f.tokens[token]; ok {
		return &t, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListTokensByUser(ctx context.Context, userID string) ([]domain.APIToken, error) {
	return nil, nil
}

func seededStore() *fakeStore {
	return &fakeStore{
		apps: map[string]domain.App{
			"demo": {ID: "demo", UserID: "u1", Name: "Demo"},
		},
		builds: []domain.Build{
			{ID: 1, AppID: "demo", ArtifactType: domain.ArtifactTypeDifferential, ArtifactURL: "https://cdn.example.com/live-update-manifest.json", SnapshotID: "S1"},
		},
		deployments: []domain.Deployment{
			{ID: 1, AppID: "demo", BuildID: 1, ChannelName: "production"},
		},
		users: map[string]domain.User{
			"u1": {ID: "u1", Email: "dev@example.com"},
		},
		tokens: map[string]domain.APIToken{
			"tok-1": {Token: "tok-1", UserID: "u1", Name: "ci"},
		},
		nextBuild:  1,
		nextDeploy: 1,
	}
}

func newTestRouter(store *fakeStore) *Router {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
	authSvc := auth.New(store, store, log, cfg)
	appSvc := appsvc.New(store, log)
	buildSvc := buildsvc.New(store, store, log)
	releaseSvc := release.New(store, store, store, nil, log)
	updateSvc := update.New(store, store, store, log, "http://localhost:8000")
	return NewRouter(log, authSvc, appSvc, buildSvc, releaseSvc, updateSvc, ws.NewHub(), nil, nil)
}

type checkDeviceResponse struct {
	Data struct {
		Available                   bool    `json:"available"`
		Compatible                  bool    `json:"compatible"`
		Partial                     bool    `json:"partial"`
		Snapshot                    *string `json:"snapshot"`
		URL                         *string `json:"url"`
		Build                       *int64  `json:"build"`
		IncompatibleUpdateAvailable bool    `json:"incompatibleUpdateAvailable"`
	} `json:"data"`
	Meta struct {
		Status    int    `json:"status"`
		Version   string `json:"version"`
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func postCheckDevice(t *testing.T, router *Router, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/apps/demo/channels/check-device", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCheckDeviceEnvelope(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	rec := postCheckDevice(t, router, `{
		"app_id": "demo",
		"channel_name": "production",
		"is_portals": false,
		"manifest": true,
		"device": {"snapshot": null, "build": null}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp checkDeviceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if !resp.Data.Available || !resp.Data.Compatible {
		t.Fatalf("expected available update, got %+v", resp.Data)
	}
	if resp.Data.Snapshot == nil || *resp.Data.Snapshot != "S1" {
		t.Fatalf("expected snapshot S1, got %v", resp.Data.Snapshot)
	}
	if resp.Data.URL == nil || !strings.HasSuffix(*resp.Data.URL, "/apps/demo/snapshots/S1/manifest_v2") {
		t.Fatalf("unexpected url %v", resp.Data.URL)
	}
	if resp.Data.Partial || resp.Data.IncompatibleUpdateAvailable {
		t.Fatal("reserved fields must stay false")
	}
	if resp.Meta.Status != http.StatusOK || resp.Meta.Version != update.ProtocolVersion || resp.Meta.RequestID == "" {
		t.Fatalf("unexpected meta %+v", resp.Meta)
	}
}

func TestCheckDeviceUpToDateClearsFields(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	rec := postCheckDevice(t, router, `{
		"app_id": "demo",
		"channel_name": "production",
		"is_portals": false,
		"manifest": true,
		"device": {"snapshot": "S1", "build": 1}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp checkDeviceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if resp.Data.Available {
		t.Fatal("expected no update")
	}
	if resp.Data.Snapshot != nil || resp.Data.URL != nil || resp.Data.Build != nil {
		t.Fatalf("expected null snapshot/url/build, got %+v", resp.Data)
	}
}

func TestCheckDeviceValidatesRequiredFields(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	rec := postCheckDevice(t, router, `{"channel_name": "production"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing required fields") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCheckDeviceFormatMismatchIsNotUpToDate(t *testing.T) {
	store := seededStore()
	store.builds[0].ArtifactType = domain.ArtifactTypeZip
	store.builds[0].ArtifactURL = "https://cdn.example.com/bundle.zip"
	router := newTestRouter(store)
	defer router.Close()

	rec := postCheckDevice(t, router, `{
		"app_id": "demo",
		"channel_name": "production",
		"is_portals": false,
		"manifest": true
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "zip") || !strings.Contains(body, "differential") {
		t.Fatalf("mismatch error should name both types, got %s", body)
	}
}

func TestCheckDeviceUnknownChannel(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	rec := postCheckDevice(t, router, `{
		"app_id": "demo",
		"channel_name": "staging",
		"is_portals": false,
		"manifest": true
	}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Deployment not found") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestSnapshotRedirect(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	for _, endpoint := range []string{"manifest_v2", "download"} {
		req := httptest.NewRequest(http.MethodGet, "/apps/demo/snapshots/S1/"+endpoint, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusFound {
			t.Fatalf("%s: expected 302, got %d", endpoint, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "https://cdn.example.com/live-update-manifest.json" {
			t.Fatalf("%s: unexpected location %q", endpoint, loc)
		}
	}
}

func TestSnapshotRedirectUnknownSnapshot(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/apps/demo/snapshots/ghost/download", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestManagementRequiresToken(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/apps", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/apps", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rec.Code)
	}
}

func TestCreateAndListBuilds(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	body := `{
		"artifact_url": "https://cdn.example.com/v2/live-update-manifest.json",
		"artifact_type": "differential",
		"commit_sha": "feedfacefeedfacefeedfacefeedfacefeedface",
		"commit_message": "v2",
		"commit_ref": "refs/heads/main"
	}`
	req := httptest.NewRequest(http.MethodPost, "/apps/demo/builds", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created build failed: %v", err)
	}
	if created["snapshot_id"] == "" || created["snapshot_id"] == nil {
		t.Fatal("expected generated snapshot_id in response")
	}

	req = httptest.NewRequest(http.MethodGet, "/apps/demo/builds", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode build list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(listed))
	}
}

func TestBuildRejectsInvalidArtifact(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	body := `{
		"artifact_url": "https://cdn.example.com/bundle.tar.gz",
		"artifact_type": "zip",
		"commit_sha": "feedfacefeedfacefeedfacefeedfacefeedface",
		"commit_message": "v2",
		"commit_ref": "refs/heads/main"
	}`
	req := httptest.NewRequest(http.MethodPost, "/apps/demo/builds", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ".zip") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCreateAppConflict(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	req := httptest.NewRequest(http.MethodPost, "/apps", strings.NewReader(`{"id": "demo", "name": "Again"}`))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestAppScopingHidesForeignApps(t *testing.T) {
	store := seededStore()
	store.users["u2"] = domain.User{ID: "u2", Email: "other@example.com"}
	store.tokens["tok-2"] = domain.APIToken{Token: "tok-2", UserID: "u2", Name: "ci"}
	router := newTestRouter(store)
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/apps/demo/builds", nil)
	req.Header.Set("Authorization", "Bearer tok-2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign app, got %d", rec.Code)
	}
}

func TestCreateDeployment(t *testing.T) {
	router := newTestRouter(seededStore())
	defer router.Close()

	req := httptest.NewRequest(http.MethodPost, "/apps/demo/deployments", strings.NewReader(`{"build_id": 1, "channel_name": "staging"}`))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postCheckDevice(t, router, `{
		"app_id": "demo",
		"channel_name": "staging",
		"is_portals": false,
		"manifest": true
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected staging channel to resolve after deployment, got %d", rec.Code)
	}
}
