// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command durablectl is a small administrative CLI over the execution
// log: listing flows a crash left incomplete, and resetting the log
// entirely during development.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/store"
)

var dbPath string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "durablectl",
		Short: "Inspect and administer a durable execution log",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "execution_log.db", "path to the execution log's SQLite file")

	root.AddCommand(newListIncompleteCommand())
	root.AddCommand(newResetCommand())

	return root
}

func openStore() (store.Store, error) {
	return store.NewSQLiteStore(store.Config{Path: dbPath})
}

func newListIncompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-incomplete",
		Short: "List flows left incomplete by a prior run",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return fmt.Errorf("open execution log: %w", err)
			}
			defer st.Close()

			rows, err := st.GetIncompleteFlows(context.Background())
			if err != nil {
				return fmt.Errorf("list incomplete flows: %w", err)
			}

			if len(rows) == 0 {
				fmt.Println("no incomplete flows")
				return nil
			}

			for _, row := range rows {
				fmt.Printf("%s\t%s\t%s\tattempts=%d\tstarted=%s\n",
					row.FlowID, row.ClassName, row.Status, row.Attempts, row.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every row in the execution log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset %s without --yes", dbPath)
			}

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("open execution log: %w", err)
			}
			defer st.Close()

			if err := st.Reset(context.Background()); err != nil {
				return fmt.Errorf("reset execution log: %w", err)
			}
			fmt.Println("execution log reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}
