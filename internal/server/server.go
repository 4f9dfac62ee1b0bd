// Package server exposes the data layer over HTTP.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kv-datalayer/internal/cluster"
	"kv-datalayer/internal/datalayer"
	"kv-datalayer/internal/metrics"
	"kv-datalayer/internal/region"
)

// Store is the local data layer the server fronts.
type Store interface {
	Regions() []region.ID
	CreateRegion(id region.ID, columns uint16) error
	DropRegion(id region.ID) error
	Get(id region.ID, key []byte) (*region.Object, region.Result, error)
	Put(id region.ID, key []byte, values [][]byte, version uint64) (region.Result, error)
	Del(id region.ID, key []byte) (region.Result, error)
	FlusherStats() datalayer.FlusherStats
}

// Coordinator replicates structural changes across the cluster. The server
// runs standalone when it has none.
type Coordinator interface {
	IsLeader() bool
	LeaderHTTPAddr() string
	ProposeCreateRegion(id region.ID, columns uint16) error
	ProposeDropRegion(id region.ID) error
	HandleRaftJoin(w http.ResponseWriter, r *http.Request)
}

// Server routes HTTP requests to the data layer.
type Server struct {
	store   Store
	cluster Coordinator
	nodeID  string
	router  *mux.Router
	client  *http.Client
	logger  hclog.Logger
}

// --- API Request/Response Structs ---

type CreateRegionRequest struct {
	Columns uint16 `json:"columns"`
}

type RegionsResponse struct {
	Regions []string `json:"regions"`
	Count   int      `json:"count"`
}

type PutRequest struct {
	Values  [][]byte `json:"values"`
	Version uint64   `json:"version"`
}

type ObjectResponse struct {
	Region  string   `json:"region"`
	Key     string   `json:"key"`
	Version uint64   `json:"version"`
	Values  [][]byte `json:"values"`
}

// ResultResponse is returned for every per-key operation that did not
// return an object.
type ResultResponse struct {
	Result string `json:"result"`
}

type HealthResponse struct {
	Status   string                 `json:"status"`
	NodeID   string                 `json:"node_id"`
	Regions  int                    `json:"regions"`
	IsLeader bool                   `json:"is_leader"`
	Leader   string                 `json:"leader,omitempty"`
	Flusher  datalayer.FlusherStats `json:"flusher"`
}

// New builds the router. coord may be nil.
func New(store Store, coord Coordinator, nodeID string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		store:   store,
		cluster: coord,
		nodeID:  nodeID,
		router:  mux.NewRouter().UseEncodedPath(),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.Named("http"),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	// Region routes
	s.router.HandleFunc("/regions", s.handleListRegions).Methods("GET")
	s.router.HandleFunc("/regions/{region}", s.handleCreateRegion).Methods("POST")
	s.router.HandleFunc("/regions/{region}", s.handleDropRegion).Methods("DELETE")

	// Key routes
	s.router.HandleFunc("/regions/{region}/keys/{key}", s.handleGet).Methods("GET")
	s.router.HandleFunc("/regions/{region}/keys/{key}", s.handlePut).Methods("PUT")
	s.router.HandleFunc("/regions/{region}/keys/{key}", s.handleDel).Methods("DELETE")

	// Cluster, health and metrics routes
	if s.cluster != nil {
		s.router.HandleFunc("/cluster/join", s.cluster.HandleRaftJoin).Methods("POST")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}

// --- HTTP Handlers ---

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	ids := s.store.Regions()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	writeJSON(w, http.StatusOK, &RegionsResponse{Regions: names, Count: len(names)})
}

func (s *Server) handleCreateRegion(w http.ResponseWriter, r *http.Request) {
	id, ok := regionVar(w, r)
	if !ok {
		return
	}
	// Followers forward the body untouched.
	if s.cluster != nil && !s.cluster.IsLeader() {
		s.forwardRequest(w, r)
		return
	}

	var req CreateRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	if s.cluster != nil {
		err = s.cluster.ProposeCreateRegion(id, req.Columns)
	} else {
		err = s.store.CreateRegion(id, req.Columns)
	}
	if err != nil {
		s.writeError(w, "create region", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDropRegion(w http.ResponseWriter, r *http.Request) {
	id, ok := regionVar(w, r)
	if !ok {
		return
	}

	var err error
	if s.cluster != nil {
		if !s.cluster.IsLeader() {
			s.forwardRequest(w, r)
			return
		}
		err = s.cluster.ProposeDropRegion(id)
	} else {
		err = s.store.DropRegion(id)
	}
	if err != nil {
		s.writeError(w, "drop region", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := regionVar(w, r)
	if !ok {
		return
	}
	key, ok := pathVar(w, r, "key")
	if !ok {
		return
	}

	obj, res, err := s.store.Get(id, []byte(key))
	if err != nil {
		s.writeError(w, "get", err)
		return
	}
	if res != region.ResultSuccess {
		writeResult(w, res)
		return
	}
	writeJSON(w, http.StatusOK, &ObjectResponse{
		Region:  id.String(),
		Key:     key,
		Version: obj.Version,
		Values:  obj.Values,
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := regionVar(w, r)
	if !ok {
		return
	}
	key, ok := pathVar(w, r, "key")
	if !ok {
		return
	}
	var req PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.store.Put(id, []byte(key), req.Values, req.Version)
	if err != nil {
		s.writeError(w, "put", err)
		return
	}
	writeResult(w, res)
}

func (s *Server) handleDel(w http.ResponseWriter, r *http.Request) {
	id, ok := regionVar(w, r)
	if !ok {
		return
	}

	key, ok := pathVar(w, r, "key")
	if !ok {
		return
	}

	res, err := s.store.Del(id, []byte(key))
	if err != nil {
		s.writeError(w, "del", err)
		return
	}
	writeResult(w, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{
		Status:   "healthy",
		NodeID:   s.nodeID,
		Regions:  len(s.store.Regions()),
		IsLeader: true,
		Flusher:  s.store.FlusherStats(),
	}
	if s.cluster != nil {
		resp.IsLeader = s.cluster.IsLeader()
		resp.Leader = s.cluster.LeaderHTTPAddr()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request) {
	leaderAddr := s.cluster.LeaderHTTPAddr()
	if leaderAddr == "" {
		http.Error(w, "No leader found to forward request", http.StatusServiceUnavailable)
		return
	}

	url := fmt.Sprintf("http://%s%s", leaderAddr, r.URL.RequestURI())
	s.logger.Info("forwarding request to leader", "url", url, "request_id", r.Header.Get("X-Request-ID"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	r.Body.Close()

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	proxyReq.Header = r.Header.Clone()

	resp, err := s.client.Do(proxyReq)
	if err != nil {
		http.Error(w, "Failed to forward request to leader", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, datalayer.ErrClosed), errors.Is(err, cluster.ErrNotLeader):
		status = http.StatusServiceUnavailable
	case errors.Is(err, region.ErrClosed):
		status = http.StatusGone
	}
	s.logger.Error("request failed", "op", op, "error", err)
	metrics.ErrorsTotal.WithLabelValues("http").Inc()
	http.Error(w, err.Error(), status)
}

// StatusForResult maps a region result to the HTTP status the API returns
// for it.
func StatusForResult(res region.Result) int {
	switch res {
	case region.ResultSuccess:
		return http.StatusOK
	case region.ResultNotFound:
		return http.StatusNotFound
	case region.ResultInvalidRegion:
		return http.StatusGone
	case region.ResultStaleVersion:
		return http.StatusConflict
	case region.ResultWrongArity:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, res region.Result) {
	writeJSON(w, StatusForResult(res), &ResultResponse{Result: res.String()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func regionVar(w http.ResponseWriter, r *http.Request) (region.ID, bool) {
	raw, ok := pathVar(w, r, "region")
	if !ok {
		return region.ID{}, false
	}
	id, err := region.ParseID(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return region.ID{}, false
	}
	return id, true
}

// pathVar returns the decoded route variable. The router matches on the
// escaped path so keys may contain slashes.
func pathVar(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s: %v", name, err), http.StatusBadRequest)
		return "", false
	}
	return v, true
}
