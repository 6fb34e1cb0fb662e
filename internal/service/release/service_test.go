package release

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
	"github.com/airliftd/airlift/internal/ws"
)

type fakeStore struct {
	apps    map[string]domain.App
	builds  map[int64]domain.Build
	created []domain.Deployment
	nextID  int64
}

func (f *fakeStore) CreateApp(ctx context.Context, app *domain.App) error { return nil }

func (f *fakeStore) GetAppByID(ctx context.Context, appID string) (*domain.App, error) {
	if app, ok := f.apps[appID]; ok {
		return &app, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListAppsByUser(ctx context.Context, userID string) ([]domain.App, error) {
	return nil, nil
}

func (f *fakeStore) CreateBuild(ctx context.Context, build *domain.Build) error { return nil }

func (f *fakeStore) GetBuildByID(ctx context.Context, buildID int64) (*domain.Build, error) {
	if b, ok := f.builds[buildID]; ok {
		return &b, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetBuildBySnapshot(ctx context.Context, appID, snapshotID string) (*domain.Build, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListBuildsByApp(ctx context.Context, appID string) ([]domain.Build, error) {
	return nil, nil
}

func (f *fakeStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	f.nextID++
	deployment.ID = f.nextID
	f.created = append(f.created, *deployment)
	return nil
}

func (f *fakeStore) GetLatestDeployment(ctx context.Context, appID, channelName string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListDeploymentsByApp(ctx context.Context, appID string) ([]domain.DeploymentDetail, error) {
	return nil, nil
}

type channelSubscriber struct {
	received chan []byte
}

func (c *channelSubscriber) Send(payload []byte) error {
	c.received <- payload
	return nil
}

func (c *channelSubscriber) Close() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore() *fakeStore {
	return &fakeStore{
		apps: map[string]domain.App{
			"demo": {ID: "demo", UserID: "u1", Name: "Demo"},
		},
		builds: map[int64]domain.Build{
			7: {ID: 7, AppID: "demo", SnapshotID: "S7", ArtifactType: domain.ArtifactTypeZip},
			8: {ID: 8, AppID: "elsewhere", SnapshotID: "S8", ArtifactType: domain.ArtifactTypeZip},
		},
	}
}

func TestCreateAppendsDeployment(t *testing.T) {
	store := testStore()
	svc := New(store, store, store, nil, discardLogger())

	created, err := svc.Create(context.Background(), CreateInput{AppID: "demo", BuildID: 7, ChannelName: "production"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected store-assigned id")
	}
	if len(store.created) != 1 || store.created[0].BuildID != 7 || store.created[0].ChannelName != "production" {
		t.Fatalf("unexpected stored deployment %+v", store.created)
	}
}

func TestCreateRequiresBuildAndChannel(t *testing.T) {
	store := testStore()
	svc := New(store, store, store, nil, discardLogger())

	if _, err := svc.Create(context.Background(), CreateInput{AppID: "demo", ChannelName: "production"}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateInput{AppID: "demo", BuildID: 7}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}

func TestCreateRejectsUnknownApp(t *testing.T) {
	store := testStore()
	svc := New(store, store, store, nil, discardLogger())

	if _, err := svc.Create(context.Background(), CreateInput{AppID: "ghost", BuildID: 7, ChannelName: "production"}); !errors.Is(err, ErrAppNotFound) {
		t.Fatalf("expected ErrAppNotFound, got %v", err)
	}
}

func TestCreateRejectsForeignBuild(t *testing.T) {
	store := testStore()
	svc := New(store, store, store, nil, discardLogger())

	// Build 8 exists but belongs to another app.
	if _, err := svc.Create(context.Background(), CreateInput{AppID: "demo", BuildID: 8, ChannelName: "production"}); !errors.Is(err, ErrBuildNotFound) {
		t.Fatalf("expected ErrBuildNotFound, got %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateInput{AppID: "demo", BuildID: 404, ChannelName: "production"}); !errors.Is(err, ErrBuildNotFound) {
		t.Fatalf("expected ErrBuildNotFound, got %v", err)
	}
	if len(store.created) != 0 {
		t.Fatalf("expected no deployments stored, got %d", len(store.created))
	}
}

func TestCreateBroadcastsChannelEvent(t *testing.T) {
	store := testStore()
	hub := ws.NewHub()
	svc := New(store, store, store, hub, discardLogger())

	sub := &channelSubscriber{received: make(chan []byte, 1)}
	hub.Register(ws.Topic("demo", "production"), sub)

	if _, err := svc.Create(context.Background(), CreateInput{AppID: "demo", BuildID: 7, ChannelName: "production"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	select {
	case payload := <-sub.received:
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decode event failed: %v", err)
		}
		if event.AppID != "demo" || event.BuildID != 7 || event.ChannelName != "production" || event.SnapshotID != "S7" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a deployment event on the channel stream")
	}
}
