package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dwarf-go/internal/api"
	"dwarf-go/internal/database"
	"dwarf-go/internal/dwarf"
	"dwarf-go/internal/imagestore"
	"dwarf-go/internal/testutil"
)

var testEndpoints = api.Endpoints{
	Host:         "127.0.0.1",
	ComputePort:  8774,
	ImagePort:    9292,
	IdentityPort: 35357,
}

type testEnv struct {
	db       *database.SQLiteDatabase
	hv       *testutil.FakeHypervisor
	sched    *testutil.ManualScheduler
	runner   *testutil.RecordingRunner
	registry *testutil.RecordingRegistry
	store    *imagestore.MemoryStore
	images   *dwarf.ImageService
	opts     dwarf.ServerOptions

	compute  http.Handler
	image    http.Handler
	identity http.Handler
	database http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		db:       testutil.NewTestDatabase(t),
		hv:       testutil.NewFakeHypervisor(),
		sched:    testutil.NewManualScheduler(),
		runner:   testutil.NewRecordingRunner(),
		registry: testutil.NewRecordingRegistry(),
		store:    imagestore.NewMemoryStore(filepath.Join(dir, "cache")),
	}
	logger := dwarf.NewNopLogger()

	env.opts = dwarf.DefaultServerOptions()
	env.opts.InstancesDir = filepath.Join(dir, "instances")
	env.opts.BaseImagesDir = filepath.Join(dir, "instances", "_base")
	env.opts.SoftRebootTimeout = 4 * time.Second

	env.images = dwarf.NewImageService(env.db, env.store, logger)
	servers := dwarf.NewServerService(dwarf.ServerDeps{
		Database:   env.db,
		Hypervisor: env.hv,
		Scheduler:  env.sched,
		Metadata:   env.registry,
		Images:     env.store,
		Runner:     env.runner,
		Logger:     logger,
		Clock:      testutil.FixedClock(),
	}, env.opts)

	env.compute = api.NewComputeAPI(
		dwarf.NewFlavorService(env.db, logger),
		env.images,
		dwarf.NewKeypairService(env.db, logger),
		servers,
		testEndpoints,
		logger,
	).Router()
	env.image = api.NewImageAPI(env.images, testEndpoints, logger).Router()
	env.identity = api.NewIdentityAPI(testEndpoints, logger).Router()
	env.database = api.NewDatabaseAPI(env.db, logger).Router()
	return env
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// errorMessage returns the message of an error response.
func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	msg, _ := e["message"].(string)
	return msg
}
