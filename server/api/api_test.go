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
	"bytes"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/pingcap/check"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"go.uber.org/atomic"
)

func TestAPI(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testAPISuite{})

type fakeManager struct {
	snap      *snapshot.Snapshot
	faulted   bool
	failWrite bool
	snapshots atomic.Int32
}

func (m *fakeManager) CurrentState() *snapshot.Snapshot { return m.snap }
func (m *fakeManager) IsFaulted() bool                  { return m.faulted }

func (m *fakeManager) TakeSnapshot() error {
	if m.failWrite {
		return errors.New("disk full")
	}
	m.snapshots.Inc()
	return nil
}

type testAPISuite struct {
	mgr *fakeManager
	svr *httptest.Server
}

func (s *testAPISuite) SetUpTest(c *C) {
	inProgress := map[uint64]snapshot.InProgressTx{
		30: {Expiration: 1000, VisibilityUpperBound: 20},
	}
	changeSets := map[uint64]snapshot.ChangeSet{
		25: {TxID: 20, Changes: [][]byte{[]byte("a"), []byte("b")}},
	}
	s.mgr = &fakeManager{snap: snapshot.NewSnapshot(100, 20, 30, []uint64{10}, inProgress, changeSets)}
	s.svr = httptest.NewServer(NewHandler(s.mgr, ServerInfo{GitHash: "abc", Storage: "/tmp/tinytx", StartTimestamp: 42}))
}

func (s *testAPISuite) TearDownTest(c *C) {
	s.svr.Close()
}

func (s *testAPISuite) get(c *C, path string, code int) []byte {
	resp, err := http.Get(s.svr.URL + path)
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, code)
	buf, err := ioutil.ReadAll(resp.Body)
	c.Assert(err, IsNil)
	return buf
}

func (s *testAPISuite) post(c *C, path string, body []byte) int {
	resp, err := http.Post(s.svr.URL+path, "application/json", bytes.NewBuffer(body))
	c.Assert(err, IsNil)
	resp.Body.Close()
	return resp.StatusCode
}

func (s *testAPISuite) TestStatus(c *C) {
	s.mgr.faulted = true
	got := status{}
	c.Assert(json.Unmarshal(s.get(c, "/api/v1/status", http.StatusOK), &got), IsNil)
	c.Assert(got.GitHash, Equals, "abc")
	c.Assert(got.StartTimestamp, Equals, int64(42))
	c.Assert(got.Faulted, IsTrue)
	c.Assert(got.ReadPointer, Equals, uint64(20))
	c.Assert(got.VisibilityUpperBound, Equals, uint64(30))
	c.Assert(got.InProgress, Equals, 1)
	c.Assert(got.Invalid, Equals, 1)
}

func (s *testAPISuite) TestSnapshot(c *C) {
	var got struct {
		ReadPointer uint64 `json:"read_pointer"`
		InProgress  []struct {
			ID uint64 `json:"id"`
		} `json:"in_progress"`
		Invalid    []uint64 `json:"invalid"`
		ChangeSets []struct {
			CommitPointer uint64 `json:"commit_pointer"`
			Changes       int    `json:"changes"`
		} `json:"change_sets"`
	}
	c.Assert(json.Unmarshal(s.get(c, "/api/v1/snapshot", http.StatusOK), &got), IsNil)
	c.Assert(got.ReadPointer, Equals, uint64(20))
	c.Assert(got.InProgress, HasLen, 1)
	c.Assert(got.InProgress[0].ID, Equals, uint64(30))
	c.Assert(got.Invalid, DeepEquals, []uint64{10})
	c.Assert(got.ChangeSets, HasLen, 1)
	c.Assert(got.ChangeSets[0].CommitPointer, Equals, uint64(25))
	c.Assert(got.ChangeSets[0].Changes, Equals, 2)

	s.mgr.snap = nil
	s.get(c, "/api/v1/snapshot", http.StatusServiceUnavailable)
}

func (s *testAPISuite) TestTakeSnapshot(c *C) {
	c.Assert(s.post(c, "/api/v1/snapshot", nil), Equals, http.StatusOK)
	c.Assert(s.mgr.snapshots.Load(), Equals, int32(1))
	s.mgr.failWrite = true
	c.Assert(s.post(c, "/api/v1/snapshot", nil), Equals, http.StatusInternalServerError)
}

func (s *testAPISuite) TestSetLogLevel(c *C) {
	c.Assert(s.post(c, "/api/v1/admin/log", []byte(`"debug"`)), Equals, http.StatusOK)
	c.Assert(s.post(c, "/api/v1/admin/log", []byte(`"info"`)), Equals, http.StatusOK)
	c.Assert(s.post(c, "/api/v1/admin/log", []byte(`"loud"`)), Equals, http.StatusBadRequest)
	c.Assert(s.post(c, "/api/v1/admin/log", []byte(`debug`)), Equals, http.StatusBadRequest)
}

func (s *testAPISuite) TestMetrics(c *C) {
	body := s.get(c, "/metrics", http.StatusOK)
	c.Assert(strings.Contains(string(body), "go_goroutines"), IsTrue)
}
