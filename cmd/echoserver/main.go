// Package main provides a demo backend instance for exercising the gateway.
// Each instance keeps a small in-memory collection (users or orders)
// and reports its own name and port so round-robin rotation is visible
// from the client side.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	kindName := flag.String("kind", "users", "record collection to serve: users or orders")
	name := flag.String("name", "", "service instance name (default: <kind>-service)")
	fields := flag.String("required", "", "comma-separated fields a created record must carry (default depends on -kind)")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	k, ok := kinds[*kindName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown kind %q\n", *kindName)
		os.Exit(2)
	}
	if *name == "" {
		*name = k.service
	}
	if *fields != "" {
		k.required = splitFields(*fields)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", *name, "port", *port)
	st := newStore(k)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("backend listening", "addr", addr, "kind", *kindName)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMux(*name, *port, st, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// kind describes one demo collection: its seed records, the fields a new
// record must carry and the defaults filled in on create.
type kind struct {
	service  string
	required []string
	defaults record
	seed     []record
}

var kinds = map[string]kind{
	"users": {
		service:  "user-service",
		required: []string{"name", "email"},
		seed: []record{
			{"id": "1", "name": "Alice Silva", "email": "alice@example.com"},
			{"id": "2", "name": "Beto Costa", "email": "beto@example.com"},
		},
	},
	"orders": {
		service:  "order-service",
		required: []string{"userId", "product", "quantity"},
		defaults: record{"status": "pending"},
		seed: []record{
			{"id": "101", "userId": "1", "product": "Programming book", "quantity": 1, "status": "pending"},
			{"id": "102", "userId": "2", "product": "Gaming mouse", "quantity": 2, "status": "shipped"},
		},
	},
}

func splitFields(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// record is one stored item. Fields are free-form; "id" is assigned on create.
type record map[string]any

type store struct {
	mu       sync.Mutex
	records  map[int]record
	nextID   int
	required []string
	defaults record
}

func newStore(k kind) *store {
	s := &store{records: make(map[int]record), nextID: 1, required: k.required, defaults: k.defaults}
	for _, rec := range k.seed {
		id, err := strconv.Atoi(fmt.Sprint(rec["id"]))
		if err != nil {
			continue
		}
		s.records[id] = maps.Clone(rec)
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}
	return s
}

func (s *store) list() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.records))
	out := make([]record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id])
	}
	return out
}

func (s *store) get(id int) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// create validates and stores rec, returning the missing required fields
// when it is rejected.
func (s *store) create(rec record) (record, []string) {
	var missing []string
	for _, f := range s.required {
		if v, ok := rec[f]; !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, missing
	}

	for k, v := range s.defaults {
		if _, ok := rec[k]; !ok {
			rec[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec["id"] = strconv.Itoa(s.nextID)
	s.records[s.nextID] = rec
	s.nextID++
	return rec, nil
}

func newMux(name string, port int, st *store, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"service":   name,
			"port":      port,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	mux.HandleFunc("/__status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]any{
			"service":        name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__echo reports the request exactly as this instance received it.
	mux.HandleFunc("/__echo/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":     name,
			"port":        port,
			"method":      r.Method,
			"host":        r.Host,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
		})
	})

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		logger.Info("listing records")
		writeJSON(w, http.StatusOK, st.list())
	})

	mux.HandleFunc("GET /{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		rec, ok := st.get(id)
		if err != nil || !ok {
			logger.Info("record not found", "id", r.PathValue("id"))
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("POST /{$}", func(w http.ResponseWriter, r *http.Request) {
		var rec record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid data",
				"message": "request body must be a JSON object",
			})
			return
		}
		created, missing := st.create(rec)
		if missing != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid data",
				"message": strings.Join(missing, ", ") + " required",
			})
			return
		}
		logger.Info("record created", "id", created["id"])
		writeJSON(w, http.StatusCreated, created)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
