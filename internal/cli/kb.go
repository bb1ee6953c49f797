package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	rebuildModel string
	rebuildNow   bool
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "知识库管理",
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出知识库及其向量模型",
	RunE:  runKBList,
}

var kbRebuildCmd = &cobra.Command{
	Use:   "rebuild <kb_id>",
	Short: "用指定向量模型重建知识库",
	Long: `投递知识库重建；--model 缺省为当前工作台向量模型。

Examples:
  linsightctl kb rebuild kb-123 --model bge-m3
  linsightctl kb rebuild kb-123 --now`,
	Args: cobra.ExactArgs(1),
	RunE: runKBRebuild,
}

func init() {
	kbRebuildCmd.Flags().StringVar(&rebuildModel, "model", "", "目标向量模型 ID")
	kbRebuildCmd.Flags().BoolVar(&rebuildNow, "now", false, "在本进程内同步执行，不经过队列")

	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbRebuildCmd)
}

func runKBList(cmd *cobra.Command, args []string) error {
	kbs, err := a.Infra.Storage.ListKnowledgeBases(cmd.Context(), "")
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tMODEL\tCOLLECTION")
	for _, kb := range kbs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", kb.ID, kb.Name, kb.State, kb.EmbeddingModelID, kb.CollectionName)
	}
	return tw.Flush()
}

func runKBRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kbID, modelID := args[0], rebuildModel
	if modelID == "" {
		wc, err := a.Models.WorkbenchConfig(ctx)
		if err != nil {
			return err
		}
		modelID = wc.EmbeddingModelID
	}
	if modelID == "" {
		return fmt.Errorf("embedding model not configured, pass --model")
	}
	if rebuildNow {
		status, err := a.Rebuild.Rebuild(ctx, kbID, modelID)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", kbID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rebuild %s -> %s: %s\n", kbID, modelID, status)
		return nil
	}
	if err := a.Rebuild.Enqueue(ctx, kbID, modelID); err != nil {
		return fmt.Errorf("enqueue %s: %w", kbID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s -> %s\n", kbID, modelID)
	return nil
}
