package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "docuchat"}

	root.AddCommand(serveCMD(), workerCMD(), ingestCMD(), reprocessCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
