// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/speakbetter/go-offsync/offclient"
	"github.com/speakbetter/go-offsync/offnet"
	"github.com/speakbetter/go-offsync/offqueue"
	"github.com/speakbetter/go-offsync/offserver"
	"github.com/speakbetter/go-offsync/offsqlite"
)

// localQueue bundles the pieces the queue commands share.
type localQueue struct {
	engine  *offqueue.Engine
	store   *offqueue.Store
	monitor *offnet.Monitor
	close   func()
}

// openQueue assembles the SQLite-backed queue with the HTTP transport. The
// monitor starts offline; commands that need the network probe explicitly.
func openQueue(opts *RootOptions) (*localQueue, error) {
	cfg := opts.Config.Client

	storage, err := offsqlite.Open(cfg.QueuePath)
	if err != nil {
		return nil, err
	}

	store := offqueue.NewStore(storage, opts.Logger)
	monitor := offnet.NewMonitor(nil, 0, opts.Logger)

	jwtAuth := offserver.NewJWTAuth(cfg.JWTSecret)
	token := func(ctx context.Context) (string, error) {
		return jwtAuth.GenerateToken(cfg.UserID, cfg.DeviceID, cfg.TokenExpiry)
	}
	transport := offclient.NewHTTPTransport(cfg.ServerURL, token, opts.Logger)

	engine, err := offqueue.NewEngine(store, transport, monitor, &offqueue.Config{
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
	}, opts.Logger)
	if err != nil {
		storage.Close()
		return nil, err
	}
	// The sync command drives drain cycles itself.
	engine.SetScheduler(offqueue.NopScheduler{})

	return &localQueue{
		engine:  engine,
		store:   store,
		monitor: monitor,
		close:   func() { storage.Close() },
	}, nil
}

// NewEnqueueCommand creates `offsync enqueue <kind> <resource> [payload]`.
func NewEnqueueCommand(opts *RootOptions) *cobra.Command {
	var priority int

	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <resource> [payload-json]",
		Short: "Queue an operation for later delivery",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			defer q.close()

			var payload json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[2])
			}

			id, err := q.store.Enqueue(cmd.Context(), offqueue.Kind(args[0]), args[1], payload, priority)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", offqueue.DefaultPriority, "delivery priority (higher first)")
	return cmd
}

// NewListCommand creates `offsync list`.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			defer q.close()

			ops, err := q.store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s  %-6s  %-24s  %-8s  %-7s  %s\n",
				"ID", "KIND", "RESOURCE", "PRIORITY", "ATTEMPT", "STATUS")
			for _, op := range ops {
				fmt.Fprintf(w, "%-36s  %-6s  %-24s  %-8d  %-7d  %s\n",
					op.ID, op.Kind, op.Resource, op.Priority, op.Attempt, op.Status)
			}
			return nil
		},
	}
}

// NewSyncCommand creates `offsync sync`: it probes the backend and drives
// drain cycles until the queue has no pending work or stops making progress.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			defer q.close()
			ctx := cmd.Context()

			probe := offnet.HTTPProbe(opts.Config.Client.ServerURL+"/healthz", nil)
			q.monitor.SetOnline(probe(ctx))
			if !q.monitor.IsOnline() {
				return fmt.Errorf("backend %s is unreachable", opts.Config.Client.ServerURL)
			}

			before, err := q.store.Count(ctx)
			if err != nil {
				return err
			}

			prevPending := -1
			for {
				if !q.engine.Sync(ctx) {
					break
				}
				pending, err := pendingCount(ctx, q.store)
				if err != nil {
					return err
				}
				if pending == 0 || pending == prevPending {
					break
				}
				prevPending = pending
				time.Sleep(opts.Config.Client.RetryDelay)
			}

			after, err := q.store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d operation(s), %d remaining, status: %s\n",
				before-after, after, q.engine.Status(ctx))
			return nil
		},
	}
}

// NewStatusCommand creates `offsync status`.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			defer q.close()
			ctx := cmd.Context()

			n, err := q.store.Count(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "status: %s\n", q.engine.Status(ctx))
			fmt.Fprintf(w, "queued: %d\n", n)
			if at, ok, err := q.store.LastSync(ctx); err == nil && ok {
				fmt.Fprintf(w, "last sync: %s\n", at.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pendingCount(ctx context.Context, store *offqueue.Store) (int, error) {
	ops, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range ops {
		if op.Status == offqueue.OpPending {
			n++
		}
	}
	return n, nil
}
