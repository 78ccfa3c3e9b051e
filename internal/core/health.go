package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds the whole probe run; slower probes are reported
// as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency of the process.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// Pinger is satisfied by db.AlarmRepository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe reports the alarm store's reachability.
func DatabaseProbe(p Pinger) HealthProbe {
	return ProbeFunc{ProbeName: "database", Fn: p.Ping}
}

// CoordinationState is satisfied by coordination.PartitionCoordinator and
// its backend.
type CoordinationState interface {
	IsActive() bool
}

// BackendState reports whether the coordination backend is connected.
type BackendState interface {
	IsStarted() bool
}

// CoordinationProbe fails when coordination is configured but its backend
// is disconnected, meaning this worker currently partitions nothing.
func CoordinationProbe(coord CoordinationState, backend BackendState) HealthProbe {
	return ProbeFunc{ProbeName: "coordination", Fn: func(context.Context) error {
		if !coord.IsActive() || backend == nil {
			return nil
		}
		if !backend.IsStarted() {
			return errors.New("coordination backend disconnected")
		}
		return nil
	}}
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently and answers 200 when all pass,
// 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.healthProbes) == 0 {
		JSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.healthProbes))
		wg      sync.WaitGroup
	)
	for _, probe := range s.healthProbes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			err := runProbe(ctx, p)
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(s.healthProbes))}
	for _, probe := range s.healthProbes {
		name := probe.Name()
		err, finished := results[name]
		switch {
		case !finished:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[name] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p.Check(ctx)
}
