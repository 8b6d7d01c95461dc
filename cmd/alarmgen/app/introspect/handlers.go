// Copyright (c) 2017 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package introspect

import (
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes the read-only introspection HTTP surface plus the one
// administrative override endpoint (ownership force).
type Server struct {
	router *mux.Router
	source DataSource
	logger *zap.Logger
}

// NewServer builds the router. Handlers read prettyPrint from the "pretty"
// query parameter, matching cmd/query's convention.
func NewServer(source DataSource, logger *zap.Logger) *Server {
	s := &Server{router: mux.NewRouter(), source: source, logger: logger}
	s.router.HandleFunc("/partition/status", s.allPartitionStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/partition/{n}/status", s.partitionStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/partition/{n}/ownership", s.setOwnership).Methods(http.MethodPost)
	s.router.HandleFunc("/uve", s.allUVEs).Methods(http.MethodGet)
	s.router.HandleFunc("/uve/{table}", s.uvesForTable).Methods(http.MethodGet)
	s.router.HandleFunc("/alarm", s.allAlarms).Methods(http.MethodGet)
	s.router.HandleFunc("/alarm/{table}", s.alarmsForTable).Methods(http.MethodGet)
	s.router.HandleFunc("/perf", s.allPerf).Methods(http.MethodGet)
	s.router.HandleFunc("/perf/{table}", s.perfForTable).Methods(http.MethodGet)
	return s
}

// Handler returns the wrapped, logging-instrumented http.Handler to serve.
func (s *Server) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(zapWriter{s.logger}, s.router)
}

type zapWriter struct{ logger *zap.Logger }

func (w zapWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p))
	return len(p), nil
}

func marshalerFor(r *http.Request) jsonMarshaler {
	_, pretty := r.URL.Query()["pretty"]
	return newStructJSONMarshaler(pretty)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := marshalerFor(r).marshal(w, v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) allPartitionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.source.AllPartitionStatuses())
}

func (s *Server) partitionStatus(w http.ResponseWriter, r *http.Request) {
	n, err := partitionParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, ok := s.source.PartitionStatus(n)
	if !ok {
		http.Error(w, "unknown or unowned partition", http.StatusNotFound)
		return
	}
	writeJSON(w, r, status)
}

func (s *Server) setOwnership(w http.ResponseWriter, r *http.Request) {
	n, err := partitionParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	acquire := r.URL.Query().Get("acquire") == "true"
	if err := s.source.SetOwnership(n, acquire); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// allUVEs iterates the closed configured table set rather than whatever
// happens to be present in the live map, the fix for the all-table
// iteration bug named in this system's design notes.
func (s *Server) allUVEs(w http.ResponseWriter, r *http.Request) {
	var out []UVEView
	for _, table := range s.source.Tables() {
		out = append(out, s.source.UVEs(table)...)
	}
	writeJSON(w, r, out)
}

func (s *Server) uvesForTable(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	writeJSON(w, r, s.source.UVEs(table))
}

func (s *Server) allAlarms(w http.ResponseWriter, r *http.Request) {
	var out []AlarmView
	for _, table := range s.source.Tables() {
		out = append(out, s.source.Alarms(table)...)
	}
	writeJSON(w, r, out)
}

func (s *Server) alarmsForTable(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	writeJSON(w, r, s.source.Alarms(table))
}

func (s *Server) allPerf(w http.ResponseWriter, r *http.Request) {
	out := make([]PerfView, 0, len(s.source.Tables()))
	for _, table := range s.source.Tables() {
		if perf, ok := s.source.Perf(table); ok {
			out = append(out, perf)
		} else {
			out = append(out, PerfView{Table: table})
		}
	}
	writeJSON(w, r, out)
}

func (s *Server) perfForTable(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	perf, ok := s.source.Perf(table)
	if !ok {
		perf = PerfView{Table: table}
	}
	writeJSON(w, r, perf)
}

func partitionParam(r *http.Request) (int32, error) {
	n, err := strconv.ParseInt(mux.Vars(r)["n"], 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}
