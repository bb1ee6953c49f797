package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"linsight/internal/shared/model"
	"linsight/internal/sop"
)

var (
	importOnConflict   string
	importIgnoreErrors bool
	importUser         string

	exportOut      string
	exportShowcase bool
	exportName     string

	showcaseOff bool
)

var sopCmd = &cobra.Command{
	Use:   "sop",
	Short: "SOP 库管理",
}

var sopImportCmd = &cobra.Command{
	Use:   "import <csv>",
	Short: "从 CSV 批量导入 SOP",
	Long: `从 CSV 批量导入 SOP，表头为 name,description,content。

Examples:
  linsightctl sop import sops.csv
  linsightctl sop import sops.csv --on-conflict override
  linsightctl sop import sops.csv --ignore-errors`,
	Args: cobra.ExactArgs(1),
	RunE: runSOPImport,
}

var sopExportCmd = &cobra.Command{
	Use:   "export",
	Short: "导出 SOP 为 CSV",
	RunE:  runSOPExport,
}

var sopShowcaseCmd = &cobra.Command{
	Use:   "showcase <id>",
	Short: "设置或取消精选",
	Args:  cobra.ExactArgs(1),
	RunE:  runSOPShowcase,
}

func init() {
	sopImportCmd.Flags().StringVar(&importOnConflict, "on-conflict", string(sop.ConflictSkip), "同名处理: skip | override | save_new")
	sopImportCmd.Flags().BoolVar(&importIgnoreErrors, "ignore-errors", false, "跳过错误行继续导入")
	sopImportCmd.Flags().StringVar(&importUser, "user", "admin", "记录的创建用户")

	sopExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "输出文件，默认标准输出")
	sopExportCmd.Flags().BoolVar(&exportShowcase, "showcase", false, "只导出精选")
	sopExportCmd.Flags().StringVar(&exportName, "name", "", "名称过滤")

	sopShowcaseCmd.Flags().BoolVar(&showcaseOff, "off", false, "取消精选")

	sopCmd.AddCommand(sopImportCmd)
	sopCmd.AddCommand(sopExportCmd)
	sopCmd.AddCommand(sopShowcaseCmd)
}

func runSOPImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := a.SOPs.Import(cmd.Context(), f, sop.OnConflict(importOnConflict), importIgnoreErrors, importUser)
	if res != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "imported: %d, repeated: %d, errors: %d\n", len(res.Success), len(res.Repeat), len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  row %d: %s\n", e.Row, e.Reason)
		}
	}
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	return nil
}

func runSOPExport(cmd *cobra.Command, args []string) error {
	var w io.Writer = cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	filter := model.SOPFilter{Name: exportName, SortBy: "create_time", Asc: true}
	if exportShowcase {
		on := true
		filter.Showcase = &on
	}
	n, err := a.SOPs.Export(cmd.Context(), w, filter)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if exportOut != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d records to %s\n", n, exportOut)
	}
	return nil
}

func runSOPShowcase(cmd *cobra.Command, args []string) error {
	if err := a.SOPs.SetShowcase(cmd.Context(), args[0], !showcaseOff); err != nil {
		return fmt.Errorf("showcase: %w", err)
	}
	state := "on"
	if showcaseOff {
		state = "off"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "showcase %s: %s\n", state, args[0])
	return nil
}
