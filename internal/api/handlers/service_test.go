package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"imageforge/internal/models"
	"imageforge/internal/types"

	"github.com/gin-gonic/gin"
)

func testServiceRecipe() *models.Recipe {
	return &models.Recipe{
		ID:        "recipe-1",
		Name:      "api",
		BaseImage: "python:3.13-slim-bullseye",
		ImageName: "api",
		Launch:    models.DefaultLaunchConfig(),
	}
}

func launchContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/recipes/recipe-1/launch", nil)
	c.Params = gin.Params{{Key: "id", Value: "recipe-1"}}
	return c, w
}

func TestLaunchServiceTransitionsStartingToServing(t *testing.T) {
	fdb := &fakeHandlersDB{
		recipe: testServiceRecipe(),
		build:  &models.Build{ID: "build-1", RecipeID: "recipe-1", ImageTag: "api:build-1"},
	}
	launcher := newFakeLauncher()
	h := &Handlers{db: fdb, launcher: launcher, logger: testLogger()}

	c, w := launchContext(t)
	h.LaunchService(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if fdb.createdState != models.ServiceStateStarting {
		t.Errorf("created state = %s, want %s", fdb.createdState, models.ServiceStateStarting)
	}
	if len(fdb.serving) != 1 || fdb.serving[0] != [2]string{"svc-1", "cid-1"} {
		t.Errorf("serving transitions = %v, want svc-1/cid-1", fdb.serving)
	}
	if fdb.svc.State != models.ServiceStateServing {
		t.Errorf("final state = %s, want %s", fdb.svc.State, models.ServiceStateServing)
	}
	if len(launcher.started) != 1 {
		t.Fatalf("expected 1 container start, got %d", len(launcher.started))
	}
}

func TestLaunchServiceRecordsStartupFailure(t *testing.T) {
	fdb := &fakeHandlersDB{
		recipe: testServiceRecipe(),
		build:  &models.Build{ID: "build-1", RecipeID: "recipe-1", ImageTag: "api:build-1"},
	}
	launcher := newFakeLauncher()
	launcher.startErr = errAddrInUse
	h := &Handlers{db: fdb, launcher: launcher, logger: testLogger()}

	c, w := launchContext(t)
	h.LaunchService(c)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if len(fdb.states) != 1 || fdb.states[0] != models.ServiceStateFailed {
		t.Errorf("state transitions = %v, want [failed]", fdb.states)
	}
	if len(fdb.serving) != 0 {
		t.Error("service must not be marked serving when the container never started")
	}
}

func TestWatchServiceMarksCrashedServiceFailed(t *testing.T) {
	fdb := &fakeHandlersDB{
		svc: &models.ServiceInstance{ID: "svc-1", ContainerID: "cid-1", State: models.ServiceStateServing},
	}
	launcher := newFakeLauncher()
	launcher.status <- types.ContainerWaitResponse{StatusCode: 3}
	h := &Handlers{db: fdb, launcher: launcher, logger: testLogger()}

	h.watchService("svc-1", "cid-1")

	if len(fdb.states) != 1 || fdb.states[0] != models.ServiceStateFailed {
		t.Fatalf("state transitions = %v, want [failed]", fdb.states)
	}
}

func TestWatchServiceRecordsCleanExitAsStopped(t *testing.T) {
	fdb := &fakeHandlersDB{
		svc: &models.ServiceInstance{ID: "svc-1", ContainerID: "cid-1", State: models.ServiceStateServing},
	}
	launcher := newFakeLauncher()
	launcher.status <- types.ContainerWaitResponse{StatusCode: 0}
	h := &Handlers{db: fdb, launcher: launcher, logger: testLogger()}

	h.watchService("svc-1", "cid-1")

	if len(fdb.states) != 1 || fdb.states[0] != models.ServiceStateStopped {
		t.Fatalf("state transitions = %v, want [stopped]", fdb.states)
	}
}

func TestWatchServiceLeavesExplicitStopAlone(t *testing.T) {
	fdb := &fakeHandlersDB{
		svc: &models.ServiceInstance{ID: "svc-1", ContainerID: "cid-1", State: models.ServiceStateStopped},
	}
	launcher := newFakeLauncher()
	launcher.status <- types.ContainerWaitResponse{StatusCode: 137}
	h := &Handlers{db: fdb, launcher: launcher, logger: testLogger()}

	h.watchService("svc-1", "cid-1")

	if len(fdb.states) != 0 {
		t.Fatalf("stopped service must not transition again, got %v", fdb.states)
	}
}
