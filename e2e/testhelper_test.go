package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/api/internal/audit"
	"github.com/reelcraft/api/internal/auth"
	"github.com/reelcraft/api/internal/client"
	"github.com/reelcraft/api/internal/config"
	"github.com/reelcraft/api/internal/handler"
	"github.com/reelcraft/api/internal/lease"
	"github.com/reelcraft/api/internal/middleware"
	"github.com/reelcraft/api/internal/planner"
	"github.com/reelcraft/api/internal/service"
	"github.com/reelcraft/api/internal/store"
	"github.com/reelcraft/api/pkg/circuitbreaker"
	"github.com/reelcraft/api/pkg/response"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testAdminKey  = "test-admin-key"
	stagingBucket = "fleet-staging"
	outputBucket  = "renders-out"
)

// fakeFleet serves the render fleet's HTTP API from memory.
type fakeFleet struct {
	mu       sync.Mutex
	submits  []client.SubmitRenderRequest
	progress map[string]client.FleetProgress
	reject   bool
}

func (f *fakeFleet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == "/v1/renders" {
		if f.reject {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
			return
		}
		var req client.SubmitRenderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.submits = append(f.submits, req)
		_ = json.NewEncoder(w).Encode(client.SubmitRenderResponse{
			RenderID: renderIDFor(len(f.submits)),
			Bucket:   stagingBucket,
		})
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/renders/") && strings.HasSuffix(r.URL.Path, "/progress") {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/renders/"), "/progress")
		p, ok := f.progress[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
		return
	}
	http.NotFound(w, r)
}

func (f *fakeFleet) setProgress(renderID string, p client.FleetProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[renderID] = p
}

func (f *fakeFleet) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeFleet) lastSubmit() client.SubmitRenderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[len(f.submits)-1]
}

func renderIDFor(n int) string {
	return "render-" + string(rune('a'+n-1))
}

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	fleet   *fakeFleet
	storage *client.MemoryStorage
	store   store.Store
}

// setupApp wires the same routes as main.go over miniredis, an in-process
// fleet and in-memory storage.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fleet := &fakeFleet{progress: map[string]client.FleetProgress{}}
	fleetSrv := httptest.NewServer(fleet)
	t.Cleanup(fleetSrv.Close)

	jobs := store.NewRedisStore(rdb)
	storage := client.NewMemoryStorage(outputBucket)
	fleetClient := client.NewRenderFleetClient(&config.FleetConfig{BaseURL: fleetSrv.URL})

	dispatcher := service.NewDispatcher(fleetClient, jobs, circuitbreaker.New(circuitbreaker.Config{Threshold: 100}), service.DispatcherConfig{
		Timeout: 2 * time.Second,
		Bucket:  storage.Bucket(),
		Codec:   "h264",
	}, nil)
	aggregator := service.NewAggregator(jobs, fleetClient, storage, service.AggregatorConfig{}, nil)
	// No task queue in these tests; status is driven by polling.
	watch := service.NewWatchScheduler(nil, time.Second, time.Second)
	renderService := service.NewRenderService(jobs, planner.New(planner.DefaultConfig()), dispatcher, aggregator, watch, nil)

	sink := audit.NewRedisSink(rdb, 50)
	reaper := service.NewReaper(jobs, lease.NewRedisLocker(rdb), sink, service.ReaperConfig{StuckAfter: 50 * time.Millisecond}, nil)

	validate := validator.New()
	renderHandler := handler.NewRenderHandler(renderService, validate)
	adminHandler := handler.NewAdminHandler(reaper, sink, renderService)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)
	healthHandler := handler.NewHealthHandler(
		map[string]handler.HealthCheck{"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		map[string]bool{"r2": false, "fleet": true},
	)

	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(rdb)

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", healthHandler.Health)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api")
	render := api.Group("/render", authMiddleware.Authenticate())
	// Very high limit so tests don't get blocked
	render.Post("/start", rateLimiter.StartLimit(10000), renderHandler.Start)
	render.Get("/status/:jobId", renderHandler.Status)

	admin := api.Group("/admin", middleware.AdminKey(testAdminKey))
	admin.Post("/reaper/sweep", adminHandler.Sweep)
	admin.Get("/reaper/audit", adminHandler.Audits)
	admin.Get("/jobs/:jobId", adminHandler.Job)

	app.Use(func(c *fiber.Ctx) error {
		return response.NotFound(c, "Route not found")
	})

	return &testApp{app: app, fleet: fleet, storage: storage, store: jobs}
}

// generateToken mints a service token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueServiceToken("e2e-suite", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

// doAdminRequest performs a request carrying the admin key.
func doAdminRequest(app *fiber.App, method, path string) (*http.Response, error) {
	return doRequest(app, method, path, "", map[string]string{"X-Admin-Key": testAdminKey})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
