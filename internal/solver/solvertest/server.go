// Package solvertest provides a scripted fake evaluator for tests.
package solvertest

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"regenopt/internal/solver"
)

// Reply is one scripted evaluator answer.
type Reply struct {
	Status   int              // HTTP status, default 200
	Response *solver.Response // body for 2xx replies
	Error    *solver.ErrorBody
	Raw      string        // written verbatim when set
	Delay    time.Duration // wait before answering
	Hang     bool          // never answer until the request is abandoned or the server closes
}

// Handler computes a reply for the n-th call (1-based).
type Handler func(req *solver.Request, n int) Reply

// Server is an httptest evaluator. Queued replies are used first; once the
// queue is empty the handler answers, by default Model.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	queue        []Reply
	handler      Handler
	requests     []solver.Request
	health       solver.HealthStatus
	healthStatus int

	release  chan struct{}
	closeOne sync.Once
}

// New starts a fake evaluator that is closed when the test ends.
func New(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{
		handler:      Model,
		health:       solver.HealthStatus{Status: "ok", BackendAvailable: true, Backend: "fake"},
		healthStatus: http.StatusOK,
		release:      make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/optimize", s.optimize)
	mux.HandleFunc("GET /health", s.healthz)
	s.Server = httptest.NewServer(mux)
	tb.Cleanup(s.Close)
	return s
}

// Close releases hanging requests and shuts the server down.
func (s *Server) Close() {
	s.closeOne.Do(func() {
		close(s.release)
		s.Server.Close()
	})
}

// Enqueue appends scripted replies.
func (s *Server) Enqueue(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
}

// SetHandler replaces the fallback handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetHealth sets the /health answer.
func (s *Server) SetHealth(status int, body solver.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus = status
	s.health = body
}

// Requests returns the decoded optimize requests received so far.
func (s *Server) Requests() []solver.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]solver.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns the number of optimize requests received.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) optimize(w http.ResponseWriter, r *http.Request) {
	var req solver.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, solver.ErrorBody{Error: "invalid request body", Detail: err.Error()})
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	var reply Reply
	if len(s.queue) > 0 {
		reply = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		reply = s.handler(&req, n)
	}
	s.mu.Unlock()

	if reply.Hang {
		select {
		case <-r.Context().Done():
		case <-s.release:
		}
		return
	}
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		case <-s.release:
			return
		}
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	switch {
	case reply.Raw != "":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply.Raw))
	case reply.Error != nil:
		writeJSON(w, status, reply.Error)
	case reply.Response != nil:
		writeJSON(w, status, reply.Response)
	default:
		w.WriteHeader(status)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	status, body := s.healthStatus, s.health
	s.mu.Unlock()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Unavailable is a 503 reply.
func Unavailable() Reply {
	return Reply{Status: http.StatusServiceUnavailable, Error: &solver.ErrorBody{Error: "evaluator busy"}}
}

// Invalid is a 422 reply carrying msg.
func Invalid(msg string) Reply {
	return Reply{Status: http.StatusUnprocessableEntity, Error: &solver.ErrorBody{Error: msg}}
}

// ServerError is a 500 reply.
func ServerError() Reply {
	return Reply{Status: http.StatusInternalServerError, Error: &solver.ErrorBody{Error: "internal error"}}
}

// modelIterations is how many iterations Model needs to converge.
const modelIterations = 12

// Model answers like a well-behaved evaluator on a smooth convex problem:
// the optimum sits at 40% of every variable's range and is reached after
// modelIterations iterations, or fewer when the request allows fewer.
func Model(req *solver.Request, _ int) Reply {
	iters := min(modelIterations, req.MaxIterations)
	design := make(map[string]float64, len(req.DesignVariables))
	history := make([]solver.HistoryPoint, 0, iters)

	for i := 1; i <= iters; i++ {
		frac := float64(i) / float64(modelIterations)
		obj := 0.0
		for _, dv := range req.DesignVariables {
			target := dv.LowerBound + 0.4*(dv.UpperBound-dv.LowerBound)
			x := dv.InitialValue + frac*(target-dv.InitialValue)
			design[dv.Name] = x
			span := dv.UpperBound - dv.LowerBound
			obj += math.Pow((x-target)/span, 2)
		}
		history = append(history, solver.HistoryPoint{Iteration: i, Objective: 100 + 50*obj, Feasible: true})
	}

	converged := iters >= modelIterations
	objective := 100.0
	if len(history) > 0 {
		objective = history[len(history)-1].Objective
	}
	msg := "Optimization terminated successfully"
	if !converged {
		msg = "Iteration limit reached"
	}
	return Reply{Response: &solver.Response{
		Converged:           converged,
		StatusCode:          0,
		Message:             msg,
		Iterations:          iters,
		FunctionEvaluations: iters * (len(req.DesignVariables) + 1),
		GradientEvaluations: iters,
		ObjectiveValue:      objective,
		DesignVariables:     design,
		Performance: solver.Performance{
			ThermalEfficiency:       0.82,
			HeatTransferRate:        1.4e6,
			PressureDrop:            120,
			NTU:                     3.1,
			Effectiveness:           0.87,
			HeatTransferCoefficient: 45,
			SurfaceArea:             850,
			WallHeatLoss:            2.1e4,
			ReynoldsNumber:          3200,
			NusseltNumber:           28,
		},
		Feasible: true,
		History:  history,
	}}
}
