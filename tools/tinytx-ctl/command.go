// Copyright 2018 PingCAP, Inc.
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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/storage"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

func newSnapshotCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "snapshot <subcommand>",
		Short: "snapshot generations",
	}
	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list snapshot generations, newest first",
		Args:  cobra.NoArgs,
		RunE:  listSnapshotsCommandFunc,
	})
	m.AddCommand(&cobra.Command{
		Use:   "show [timestamp]",
		Short: "show a snapshot, the newest readable one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showSnapshotCommandFunc,
	})
	return m
}

func newLogCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "log <subcommand>",
		Short: "transaction logs",
	}
	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list transaction logs, oldest first",
		Args:  cobra.NoArgs,
		RunE:  listLogsCommandFunc,
	})
	m.AddCommand(&cobra.Command{
		Use:   "dump <timestamp>",
		Short: "print the entries of a transaction log",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpLogCommandFunc,
	})
	return m
}

func formatTimestamp(ts int64) string {
	return time.Unix(0, ts*int64(time.Millisecond)).Format("2006-01-02 15:04:05.000")
}

func parseTimestamp(arg string) (int64, error) {
	ts, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid timestamp %q", arg)
	}
	return ts, nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func listSnapshotsCommandFunc(cmd *cobra.Command, args []string) error {
	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Stop()
	timestamps, err := st.ListSnapshots()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, ts := range timestamps {
		snap, err := st.ReadSnapshot(ts)
		switch {
		case err == nil:
			fmt.Fprintf(w, "%d\t%s\tread-pointer=%d\tin-progress=%d\tinvalid=%d\n", ts, formatTimestamp(ts),
				snap.ReadPointer(), len(snap.InProgressIDs()), len(snap.Invalid()))
		case storage.IsCorrupt(err):
			fmt.Fprintf(w, "%d\t%s\tcorrupt: %v\n", ts, formatTimestamp(ts), err)
		default:
			fmt.Fprintf(w, "%d\t%s\tunreadable: %v\n", ts, formatTimestamp(ts), err)
		}
	}
	return nil
}

func showSnapshotCommandFunc(cmd *cobra.Command, args []string) error {
	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Stop()
	var snap *snapshot.Snapshot
	if len(args) == 0 {
		snap, err = storage.LoadLatestValid(st)
	} else {
		var ts int64
		if ts, err = parseTimestamp(args[0]); err == nil {
			snap, err = st.ReadSnapshot(ts)
		}
	}
	if err != nil {
		return err
	}
	if snap == nil {
		return errors.New("no snapshot found")
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func listLogsCommandFunc(cmd *cobra.Command, args []string) error {
	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Stop()
	logs, err := st.ListLogs()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	local, isLocal := st.(*storage.LocalStorage)
	for _, ts := range logs {
		if !isLocal {
			fmt.Fprintf(w, "%d\t%s\n", ts, formatTimestamp(ts))
			continue
		}
		size, err := local.LogSize(ts)
		if err != nil {
			return err
		}
		sum, err := local.LogChecksum(ts)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\tcrc32=%08x\n", ts, formatTimestamp(ts), units.HumanSize(float64(size)), sum)
	}
	return nil
}

func dumpLogCommandFunc(cmd *cobra.Command, args []string) error {
	ts, err := parseTimestamp(args[0])
	if err != nil {
		return err
	}
	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Stop()
	r, err := st.OpenLog(ts)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	defer r.Close()
	for i := 0; ; i++ {
		e, err := r.Next()
		if err == io.EOF {
			fmt.Fprintf(w, "%d entries\n", i)
			return nil
		}
		if err != nil {
			return errors.Annotatef(err, "entry %d", i)
		}
		fmt.Fprintf(w, "%d\t%v\n", i, e)
	}
}
