package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
	"github.com/EliRibble/stalwart-mail-server/internal/stores"
)

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// DiskUsage describes the volume holding a filesystem blob store
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

// LookupResponse is the rendering of a lookup value
type LookupResponse struct {
	Kind    string `json:"kind"`
	Value   string `json:"value,omitempty"`
	Expires uint64 `json:"expires,omitempty"`
	Counter int64  `json:"counter,omitempty"`
}

func (s *Server) writeJSONWithStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: statusCode < http.StatusBadRequest, Data: data})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONWithStatus(w, http.StatusOK, data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
	s.logger.WithField("error", message).WithField("status", statusCode).Warn("API error")
}

// writeStoreError maps store errors onto HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stores.ErrStoreNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case store.IsInternal(err):
		s.writeError(w, err.Error(), http.StatusBadGateway)
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) diskUsage() []DiskUsage {
	names := make([]string, 0, len(s.stores.BlobStores))
	for name := range s.stores.BlobStores {
		names = append(names, name)
	}
	sort.Strings(names)

	var usage []DiskUsage
	for _, name := range names {
		fs := s.stores.BlobStores[name].Filesystem()
		if fs == nil {
			continue
		}
		stat, err := fs.Usage()
		if err != nil {
			s.logger.WithFields(logrus.Fields{"store": name, "error": err}).Warn("Failed to read disk usage")
			continue
		}
		usage = append(usage, DiskUsage{Path: fs.Root(), Total: stat.Total, Free: stat.Free, UsedPercent: stat.UsedPercent})
	}
	return usage
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.stores.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSONWithStatus(w, status, map[string]interface{}{
		"ready": ready,
		"disks": s.diskUsage(),
	})
}

func renderLookup(v store.LookupValue) LookupResponse {
	switch v.Kind {
	case store.LookupValueData:
		return LookupResponse{Kind: "value", Value: string(v.Value), Expires: v.Expires}
	case store.LookupValueCounter:
		return LookupResponse{Kind: "counter", Counter: v.Num}
	default:
		return LookupResponse{Kind: "none"}
	}
}

func (s *Server) handleLookupGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	l, err := s.stores.LookupStore(vars["store"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	key := store.KeyOf(vars["key"])
	if counter, _ := strconv.ParseBool(r.URL.Query().Get("counter")); counter {
		key = store.CounterOf(vars["key"])
	}

	value, err := l.Get(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, renderLookup(value))
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	local, err := s.directory.IsLocalDomain(r.Context(), domain)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"domain": domain, "local": local})
}

func (s *Server) handleRecipient(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	exists, err := s.directory.RcptExists(r.Context(), address)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"address": address, "exists": exists})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	result, err := s.purgeWorker.RunOnce(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, map[string]int{
		"reservations": result.Reservations,
		"blobs":        result.Blobs,
		"lookups":      result.Lookups,
	})
}
