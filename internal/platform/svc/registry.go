package svc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Registry coordinates the startup and shutdown order of every Service
// registered with it, resolving order from declared Dependencies.
type Registry struct {
	services map[string]Service
	mutex    sync.RWMutex
	logger   *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{services: make(map[string]Service), logger: logger}
}

func (r *Registry) Register(s Service) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := s.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}
	r.services[name] = s
	r.logger.Printf("service registered: %s", name)
	return nil
}

func (r *Registry) Get(name string) (Service, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	s, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return s, nil
}

// StartAll starts every registered service in dependency order, waiting
// for each to report healthy before starting the next.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	order, err := topologicalSort(buildDependencyGraph(r.services))
	if err != nil {
		return fmt.Errorf("dependency cycle detected: %w", err)
	}

	for _, name := range order {
		s := r.services[name]
		r.logger.Printf("starting service: %s", name)
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service %s: %w", name, err)
		}
		if err := r.waitForHealth(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered service in reverse dependency order.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	order, err := topologicalSort(buildDependencyGraph(r.services))
	if err != nil {
		return fmt.Errorf("dependency cycle detected: %w", err)
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	for _, name := range order {
		s := r.services[name]
		r.logger.Printf("stopping service: %s", name)
		if err := s.Stop(ctx); err != nil {
			r.logger.Printf("error stopping service %s: %v", name, err)
		}
	}
	return nil
}

func (r *Registry) HealthCheck() map[string]error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]error, len(r.services))
	for name, s := range r.services {
		results[name] = s.Health()
	}
	return results
}

func (r *Registry) waitForHealth(ctx context.Context, name string) error {
	s, err := r.Get(name)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(30 * time.Second)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for service %s to become healthy", name)
		case <-ticker.C:
			if err := s.Health(); err == nil {
				return nil
			}
		}
	}
}

func buildDependencyGraph(services map[string]Service) map[string][]string {
	graph := make(map[string][]string, len(services))
	for name, s := range services {
		graph[name] = s.Dependencies()
	}
	return graph
}

func topologicalSort(graph map[string][]string) ([]string, error) {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	order := make([]string, 0, len(graph))

	var visit func(node string) error
	visit = func(node string) error {
		if inStack[node] {
			return fmt.Errorf("dependency cycle detected involving service %s", node)
		}
		if visited[node] {
			return nil
		}
		inStack[node] = true
		for _, dep := range graph[node] {
			if _, exists := graph[dep]; !exists {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[node] = true
		inStack[node] = false
		order = append(order, node)
		return nil
	}

	for node := range graph {
		if !visited[node] {
			if err := visit(node); err != nil {
				return nil, err
			}
		}
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
