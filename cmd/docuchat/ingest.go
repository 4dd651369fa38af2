package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/embedder"
)

func ingestCMD() *cobra.Command {
	var cfgPath string
	var fileName string
	var ingest = &cobra.Command{
		Use:   "ingest <url>",
		Short: "Ingest a single document by URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			pipeline, err := embedder.FromConfig(cfg)
			if err != nil {
				return err
			}
			name := fileName
			if name == "" {
				name = args[0]
			}
			if err := pipeline.Process(context.Background(), args[0], name); err != nil {
				return err
			}
			fmt.Println("ingested", args[0])
			return nil
		},
	}
	ingest.Flags().StringVar(&fileName, "name", "", "file name used to pick the processor (defaults to the url)")
	ingest.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ingest
}

func reprocessCMD() *cobra.Command {
	var cfgPath string
	var reprocess = &cobra.Command{
		Use:   "reprocess",
		Short: "Re-ingest every document in the storage container",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			pipeline, err := embedder.FromConfig(cfg)
			if err != nil {
				return err
			}
			return pipeline.ReprocessAll(context.Background())
		},
	}
	reprocess.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return reprocess
}
