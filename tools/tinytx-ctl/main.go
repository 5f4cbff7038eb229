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
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap-incubator/tinytx/config"
	"github.com/pingcap-incubator/tinytx/storage"
	"github.com/pingcap-incubator/tinytx/util"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

var (
	dataDir  string
	engine   string
	interact bool
)

// openStorage opens the state storage for reading. A local directory is
// read in place so that a running server is not disturbed.
func openStorage() (storage.StateStorage, error) {
	if !util.DirExists(dataDir) {
		return nil, errors.Errorf("data dir %s does not exist", dataDir)
	}
	st, err := storage.New(engine, dataDir, storage.DefaultCodecProvider())
	if err != nil {
		return nil, err
	}
	if engine == config.StorageEngineLocal {
		return st, nil
	}
	if err = st.Start(); err != nil {
		return nil, err
	}
	return st, nil
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tinytx-ctl",
		Short:         "Inspect the snapshots and transaction logs of a TinyTx data dir",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !interact {
				return cmd.Help()
			}
			return loop(dataDir, engine)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "/tmp/tinytx", "directory of snapshots and transaction logs")
	rootCmd.PersistentFlags().StringVarP(&engine, "engine", "e", config.StorageEngineLocal, "storage engine, local or badger")
	rootCmd.Flags().BoolVarP(&interact, "interact", "i", false, "run in interactive mode")

	rootCmd.AddCommand(
		newSnapshotCommand(),
		newLogCommand(),
	)
	return rootCmd
}

func main() {
	cobra.EnablePrefixMatching = true

	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}

// loop runs commands read from the terminal against the same data dir until exit.
func loop(dir, eng string) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       "/tmp/tinytx-ctl.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			continue
		}
		if line == "exit" {
			return nil
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Printf("parse command err: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		cmd := newRootCommand()
		cmd.SetArgs(append(args, "--data-dir", dir, "--engine", eng))
		if err := cmd.Execute(); err != nil {
			fmt.Println("Error:", err)
		}
	}
}
