package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDigestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Mail every agent and editor the threads waiting for them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			sent, err := rt.service.SendDigests(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d digests\n", sent)
			return nil
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report thread links that disagree with their thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			mismatches, err := rt.service.ReconcileThreadLinks(cmd.Context(), repair)
			if err != nil {
				return err
			}
			for _, m := range mismatches {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s/%s\tthread final=%t link final=%t\n",
					m.ThreadID, m.OwnerType, m.OwnerID, m.ThreadFinal, m.LinkFinal)
			}
			verb := "found"
			if repair {
				verb = "repaired"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d mismatched links\n", verb, len(mismatches))
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite mismatched links from their thread")
	return cmd
}

func newReindexCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every thread to the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			count, err := rt.service.ReindexSearch(cmd.Context())
			if err != nil {
				return err
			}
			rt.log.Info("search reindexed", zap.Int("threads", count))
			return nil
		},
	}
}

func newOutboxCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay failed side effects",
	}

	var limit int64
	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			tasks, err := rt.queue.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for _, task := range tasks {
				if err := encoder.Encode(task); err != nil {
					return err
				}
			}
			return nil
		},
	}
	dead.Flags().Int64Var(&limit, "limit", 50, "maximum number of tasks to list")

	var retryLimit int64
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Move dead-lettered tasks back to the queue and run them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			moved, err := rt.queue.Requeue(cmd.Context(), retryLimit)
			if err != nil {
				return err
			}
			processed, err := rt.worker().Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d tasks, processed %d\n", moved, processed)
			return nil
		},
	}
	retry.Flags().Int64Var(&retryLimit, "limit", 0, "maximum number of tasks to requeue (0 for all)")

	cmd.AddCommand(dead, retry)
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			token, err := rt.service.IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
