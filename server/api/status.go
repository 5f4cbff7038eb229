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

type status struct {
	GitHash              string `json:"git_hash"`
	Storage              string `json:"storage"`
	StartTimestamp       int64  `json:"start_timestamp"`
	Faulted              bool   `json:"faulted"`
	ReadPointer          uint64 `json:"read_pointer"`
	WritePointer         uint64 `json:"write_pointer"`
	VisibilityUpperBound uint64 `json:"visibility_upper_bound"`
	InProgress           int    `json:"in_progress"`
	Invalid              int    `json:"invalid"`
}

type statusHandler struct {
	mgr  Manager
	info ServerInfo
	rd   *render.Render
}

func newStatusHandler(mgr Manager, info ServerInfo, rd *render.Render) *statusHandler {
	return &statusHandler{
		mgr:  mgr,
		info: info,
		rd:   rd,
	}
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := status{
		GitHash:        h.info.GitHash,
		Storage:        h.info.Storage,
		StartTimestamp: h.info.StartTimestamp,
		Faulted:        h.mgr.IsFaulted(),
	}
	if snap := h.mgr.CurrentState(); snap != nil {
		s.ReadPointer = snap.ReadPointer()
		s.WritePointer = snap.WritePointer()
		s.VisibilityUpperBound = snap.VisibilityUpperBound()
		s.InProgress = len(snap.InProgressIDs())
		s.Invalid = len(snap.Invalid())
	}
	h.rd.JSON(w, http.StatusOK, s)
}
