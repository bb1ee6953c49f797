package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"linsight/internal/linsight/session"
	"linsight/internal/shared/model"
)

var queueName string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "执行队列管理",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出队列元素（队首在前）",
	RunE:  runQueueList,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "从队列移除",
	Long: `从队列移除元素。

执行队列中的版本会被终止（状态置为 Terminated 并通知订阅方），
其余队列只删除元素。`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueRemove,
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueName, "name", "", "队列名，默认执行队列")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
}

func targetQueue() string {
	if queueName != "" {
		return queueName
	}
	return cfg.Linsight.QueueName
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := targetQueue()
	items, err := a.Infra.Queue.List(ctx, name)
	if err != nil {
		return fmt.Errorf("list %s: %w", name, err)
	}
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintf(out, "%s is empty\n", name)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tITEM\tSTATUS\tTITLE")
	for i, id := range items {
		status, title := "-", "-"
		if name == cfg.Linsight.QueueName {
			if v, err := a.Infra.Storage.GetSessionVersion(ctx, id); err == nil && v != nil {
				status, title = string(v.Status), v.Title
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, id, status, title)
	}
	return tw.Flush()
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, name := args[0], targetQueue()
	if name == cfg.Linsight.QueueName {
		v, err := a.Infra.Storage.GetSessionVersion(ctx, id)
		if err != nil {
			return err
		}
		if v != nil && (v.Status == model.VersionStatusQueued || v.Status == model.VersionStatusInProgress) {
			if _, err := a.Sessions.Terminate(ctx, session.Caller{UserID: "linsightctl", Admin: true}, id); err != nil {
				return fmt.Errorf("terminate %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "terminated %s\n", id)
			return nil
		}
	}
	if err := a.Infra.Queue.Remove(ctx, name, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", id, name)
	return nil
}
