// Package supervisortest provides an in-process fake supervisor for tests.
//
// The fake serves the same route namespace as the real supervisor
// (connections/, config/, simulator/, status/) and records every request so
// tests can assert on request order, method and payloads.
package supervisortest

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	gin.SetMode(gin.TestMode)
}

// Request is one request observed by the fake.
type Request struct {
	Method string
	Path   string
	Body   map[string]any
}

// ActionHook runs after an action submission has been recorded.
type ActionHook func(s *Supervisor, name string, args map[string]any)

// Option configures a fake supervisor.
type Option func(*Supervisor)

// WithRunningAfter makes is_running report false for the first n polls.
func WithRunningAfter(n int) Option {
	return func(s *Supervisor) {
		s.runningAfter = n
	}
}

// WithActions sets the advertised action list.
func WithActions(actions ...string) Option {
	return func(s *Supervisor) {
		s.actions = append([]string{}, actions...)
	}
}

// WithObservation adds an observation key, its raw value and its robot
// config descriptor. An empty callbackAPI registers no callback.
func WithObservation(key string, raw any, callbackAPI string) Option {
	return func(s *Supervisor) {
		if _, exists := s.observations[key]; !exists {
			s.observationOrder = append(s.observationOrder, key)
		}
		s.observations[key] = raw
		descriptor := map[string]any{"connection": "api_to_ros"}
		if callbackAPI != "" {
			descriptor["callback_api"] = callbackAPI
		}
		s.robot[key] = descriptor
	}
}

// WithTaskName sets the task name reported under config/task_name.
func WithTaskName(name string) Option {
	return func(s *Supervisor) {
		s.taskName = name
	}
}

// WithDirty marks the simulator dirty before the first reset.
func WithDirty() Option {
	return func(s *Supervisor) {
		s.dirty = true
	}
}

// WithActionHook installs a hook called for every submitted action.
func WithActionHook(hook ActionHook) Option {
	return func(s *Supervisor) {
		s.onAction = hook
	}
}

// Supervisor is a fake supervisor backed by gin.
type Supervisor struct {
	mu               sync.Mutex
	runningAfter     int
	runningPolls     int
	dirty            bool
	collided         bool
	finished         bool
	restarts         int
	actions          []string
	observationOrder []string
	observations     map[string]any
	robot            map[string]any
	taskName         string
	failures         map[string]int
	onAction         ActionHook
	requests         []Request
	submitted        []Request
}

// New builds a fake supervisor. Without options it is running, clean, and
// advertises move_next with no observations.
func New(options ...Option) *Supervisor {
	s := &Supervisor{
		actions:          []string{"move_next"},
		observationOrder: []string{},
		observations:     map[string]any{},
		robot:            map[string]any{},
		taskName:         "semantic_slam:passive:ground_truth",
		failures:         map[string]int{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	return s
}

// Serve starts an httptest server for s and returns its base URL with a
// trailing slash. The server is closed when the test ends.
func (s *Supervisor) Serve(t testing.TB) string {
	t.Helper()
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return server.URL + "/"
}

// Handler returns the gin engine serving the supervisor routes.
func (s *Supervisor) Handler() http.Handler {
	engine := gin.New()
	engine.Use(s.record, s.injectFailures)

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": "benchbot_supervisor"})
	})
	engine.GET("/config/:name", s.handleConfig)
	engine.GET("/simulator/:name", s.handleSimulator)
	engine.GET("/status/:name", s.handleStatus)
	engine.GET("/connections/:name", s.handleConnection)
	return engine
}

// SetCollided sets the collision flag.
func (s *Supervisor) SetCollided(collided bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collided = collided
}

// SetFinished sets the finished flag.
func (s *Supervisor) SetFinished(finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = finished
}

// SetDirty sets the dirty flag.
func (s *Supervisor) SetDirty(dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = dirty
}

// Fail makes every request to path answer with status.
func (s *Supervisor) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

// Requests returns every recorded request in arrival order.
func (s *Supervisor) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Paths returns the path of every recorded request in arrival order.
func (s *Supervisor) Paths() []string {
	requests := s.Requests()
	out := make([]string, 0, len(requests))
	for _, request := range requests {
		out = append(out, request.Path)
	}
	return out
}

// Submitted returns the recorded action submissions.
func (s *Supervisor) Submitted() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// RunningPolls reports how many times is_running was queried.
func (s *Supervisor) RunningPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningPolls
}

// Restarts reports how many times the simulator was restarted.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Supervisor) record(c *gin.Context) {
	raw, _ := c.GetRawData()
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var body map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to unmarshal request"})
			return
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Body:   body,
	})
	s.mu.Unlock()
	c.Set("body", body)
	c.Next()
}

func (s *Supervisor) injectFailures(c *gin.Context) {
	s.mu.Lock()
	status, ok := s.failures[c.Request.URL.Path]
	s.mu.Unlock()
	if ok {
		c.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
		return
	}
	c.Next()
}

func (s *Supervisor) handleConfig(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c.Param("name") {
	case "robot":
		c.JSON(http.StatusOK, s.robot)
	case "actions":
		c.JSON(http.StatusOK, s.actions)
	case "observations":
		c.JSON(http.StatusOK, s.observationOrder)
	case "task_name":
		c.JSON(http.StatusOK, s.taskName)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown config route"})
	}
}

func (s *Supervisor) handleSimulator(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c.Param("name") {
	case "is_running":
		s.runningPolls++
		c.JSON(http.StatusOK, gin.H{"is_running": s.runningPolls > s.runningAfter})
	case "is_dirty":
		c.JSON(http.StatusOK, gin.H{"is_dirty": s.dirty})
	case "is_collided":
		c.JSON(http.StatusOK, gin.H{"is_collided": s.collided})
	case "restart":
		s.restarts++
		s.dirty = false
		s.collided = false
		s.finished = false
		c.JSON(http.StatusOK, gin.H{"restart_success": true})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown simulator route"})
	}
}

func (s *Supervisor) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c.Param("name") {
	case "is_finished":
		c.JSON(http.StatusOK, gin.H{"is_finished": s.finished})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown status route"})
	}
}

func (s *Supervisor) handleConnection(c *gin.Context) {
	name := c.Param("name")

	s.mu.Lock()
	if raw, ok := s.observations[name]; ok {
		s.mu.Unlock()
		c.JSON(http.StatusOK, raw)
		return
	}

	args, _ := c.Get("body")
	body, _ := args.(map[string]any)
	s.submitted = append(s.submitted, Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Body:   body,
	})
	s.dirty = true
	hook := s.onAction
	s.mu.Unlock()

	if hook != nil {
		hook(s, name, body)
	}
	c.JSON(http.StatusOK, gin.H{})
}
