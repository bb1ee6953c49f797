package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"linsight/internal/apiserver/auth"
)

var (
	tokenUser  string
	tokenEmail string
	tokenRole  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发访问令牌（运维与联调用）",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "admin", "用户 ID")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "邮箱")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.UserRoleAdmin, "角色")
}

func runToken(cmd *cobra.Command, args []string) error {
	ac := auth.ConfigFrom(cfg.Auth)
	if !ac.Enabled() {
		return fmt.Errorf("JWT_SECRET not configured")
	}
	tok, err := auth.GenerateAccessToken(ac, tokenUser, tokenEmail, tokenRole)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
