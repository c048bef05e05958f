// Package health exposes a registry of named liveness checks and an
// HTTP handler that reports their aggregate status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/logging"
)

type Status string

const (
	StatusUp      Status = "UP"
	StatusDown    Status = "DOWN"
	StatusUnknown Status = "UNKNOWN"
)

// Check is the result of running one Checker.
type Check struct {
	Name        string
	Status      Status
	Message     string
	LastChecked time.Time
	Error       error
}

func (c Check) MarshalJSON() ([]byte, error) {
	var errorStr string
	if c.Error != nil {
		errorStr = c.Error.Error()
	}
	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		Error       string    `json:"error,omitempty"`
	}{c.Name, c.Status, c.Message, c.LastChecked, errorStr})
}

// Checker performs one health check.
type Checker func(ctx context.Context) Check

// Registry holds the named checks for a process.
type Registry struct {
	checks map[string]Checker
	mutex  sync.RWMutex
	logger *logging.Logger
}

func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{checks: make(map[string]Checker), logger: logger}
}

func (r *Registry) Register(name string, checker Checker) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.checks[name] = checker
	r.logger.Info("registered health check", "name", name)
}

func (r *Registry) Unregister(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.checks, name)
}

func (r *Registry) RunChecks(ctx context.Context) map[string]Check {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]Check, len(r.checks))
	for name, checker := range r.checks {
		results[name] = checker(ctx)
	}
	return results
}

func (r *Registry) IsHealthy(ctx context.Context) bool {
	for _, check := range r.RunChecks(ctx) {
		if check.Status != StatusUp {
			return false
		}
	}
	return true
}

// Handler serves the aggregate health status as JSON.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		checks := r.RunChecks(ctx)

		status := StatusUp
		for _, check := range checks {
			if check.Status == StatusDown {
				status = StatusDown
				break
			} else if check.Status == StatusUnknown && status != StatusDown {
				status = StatusUnknown
			}
		}

		if status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		response := struct {
			Status    Status           `json:"status"`
			Timestamp time.Time        `json:"timestamp"`
			Checks    map[string]Check `json:"checks"`
		}{status, time.Now(), checks}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			r.logger.Error("failed to encode health response", "error", err)
		}
	})
}

// ServiceChecker wraps a service-level health function.
func ServiceChecker(name string, fn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		c := Check{Name: name, LastChecked: time.Now()}
		if err := fn(ctx); err != nil {
			c.Status, c.Error = StatusDown, err
			c.Message = fmt.Sprintf("service %s is unhealthy: %v", name, err)
		} else {
			c.Status = StatusUp
			c.Message = fmt.Sprintf("service %s is healthy", name)
		}
		return c
	}
}

// RedisChecker wraps a Redis connectivity probe.
func RedisChecker(addr string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		c := Check{Name: "redis", LastChecked: time.Now()}
		if err := ping(ctx); err != nil {
			c.Status, c.Error = StatusDown, err
			c.Message = fmt.Sprintf("redis at %s is unhealthy: %v", addr, err)
		} else {
			c.Status = StatusUp
			c.Message = fmt.Sprintf("redis at %s is healthy", addr)
		}
		return c
	}
}

// KafkaChecker wraps a Kafka connectivity probe.
func KafkaChecker(brokers string, check func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		c := Check{Name: "kafka", LastChecked: time.Now()}
		if err := check(ctx); err != nil {
			c.Status, c.Error = StatusDown, err
			c.Message = fmt.Sprintf("kafka at %s is unhealthy: %v", brokers, err)
		} else {
			c.Status = StatusUp
			c.Message = fmt.Sprintf("kafka at %s is healthy", brokers)
		}
		return c
	}
}
