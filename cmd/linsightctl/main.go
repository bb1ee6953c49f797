// Package main linsightctl 入口
package main

import (
	"fmt"
	"os"

	"linsight/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
