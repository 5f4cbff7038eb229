// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
)

// Manager is the part of the transaction authority the API serves.
type Manager interface {
	CurrentState() *snapshot.Snapshot
	IsFaulted() bool
	TakeSnapshot() error
}

// ServerInfo describes the running server.
type ServerInfo struct {
	GitHash        string
	Storage        string
	StartTimestamp int64
}

// NewHandler returns the status API handler. A panic in a handler is
// logged and answered with 500.
func NewHandler(mgr Manager, info ServerInfo) http.Handler {
	apiHandler := negroni.New(negroni.NewRecovery())
	apiHandler.UseHandler(createRouter("", mgr, info))
	return apiHandler
}

func createRouter(prefix string, mgr Manager, info ServerInfo) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	router.Handle("/api/v1/status", newStatusHandler(mgr, info, rd)).Methods("GET")

	snapshotHandler := newSnapshotHandler(mgr, rd)
	router.HandleFunc("/api/v1/snapshot", snapshotHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/snapshot", snapshotHandler.Post).Methods("POST")

	logHandler := newLogHandler(rd)
	router.HandleFunc("/api/v1/admin/log", logHandler.Handle).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}
