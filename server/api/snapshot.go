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

	"github.com/unrolled/render"
)

type snapshotHandler struct {
	mgr Manager
	rd  *render.Render
}

func newSnapshotHandler(mgr Manager, rd *render.Render) *snapshotHandler {
	return &snapshotHandler{
		mgr: mgr,
		rd:  rd,
	}
}

// Get returns the live transaction state.
func (h *snapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap := h.mgr.CurrentState()
	if snap == nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, "transaction state is not loaded yet")
		return
	}
	h.rd.JSON(w, http.StatusOK, snap)
}

// Post persists a snapshot now.
func (h *snapshotHandler) Post(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.TakeSnapshot(); err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}
