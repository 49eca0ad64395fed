// Backend is a small TaskFlow task service used to exercise the load
// balancer locally. It keeps tasks in memory and exposes the liveness
// endpoint the balancer probes.
//
// Usage:
//
//	go run ./scripts/backend -port 5001
//	go run ./scripts/backend -port 5002 -name api-2
//
// POST /admin/health with {"healthy":false} makes /health answer 503 so
// failover can be observed without killing the process.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/angeloszaimis/taskflow-lb/pkg/logger"
)

// Task is a single TaskFlow item.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

type createTaskRequest struct {
	Title string `json:"title"`
}

type taskStore struct {
	mutex sync.RWMutex
	tasks map[string]*Task
}

func (s *taskStore) list() []Task {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *taskStore) add(title string) Task {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t := &Task{ID: uuid.NewString(), Title: title, CreatedAt: time.Now()}
	s.tasks[t.ID] = t
	return *t
}

func (s *taskStore) complete(id string) (Task, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	t.Completed = true
	return *t, true
}

func (s *taskStore) remove(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

func main() {
	port := flag.Int("port", 5001, "port to listen on")
	name := flag.String("name", "", "server name reported by /info")
	flag.Parse()

	if *name == "" {
		*name = fmt.Sprintf("taskflow-%d", *port)
	}

	log := logger.NewWithWriter(os.Stdout, logger.Options{Level: "info", Environment: "dev"}).
		With(slog.String("server", *name))

	store := &taskStore{tasks: make(map[string]*Task)}
	started := time.Now()
	var healthy atomic.Bool
	healthy.Store(true)

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error("Failed to encode response", slog.Any("err", err))
		}
	}

	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Healthy bool `json:"healthy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		healthy.Store(body.Healthy)
		log.Warn("Health toggled", slog.Bool("healthy", body.Healthy))
		writeJSON(w, http.StatusOK, body)
	}).Methods(http.MethodPost)

	r.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"server":         *name,
			"port":           *port,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"tasks":          len(store.list()),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.list())
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
			return
		}
		task := store.add(req.Title)
		log.Info("Task created", slog.String("id", task.ID), slog.String("request_id", r.Header.Get("X-Request-ID")))
		writeJSON(w, http.StatusCreated, task)
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/tasks/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		task, ok := store.complete(mux.Vars(r)["id"])
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, task)
	}).Methods(http.MethodPut)

	r.HandleFunc("/api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !store.remove(mux.Vars(r)["id"]) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	addr := fmt.Sprintf(":%d", *port)
	log.Info("Starting backend", slog.String("address", addr))
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
