package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kvtree/boltkv"
)

func newStatsCobraCommand() *cobra.Command {
	var bucketName string

	statsCmd := &cobra.Command{
		Use:   "stats <db-path>",
		Short: "print page and key statistics for a bucket",
		Long:  "print page and key statistics for a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(args[0], bucketName)
		},
	}

	statsCmd.Flags().StringVarP(&bucketName, "bucket", "b", "", "name of the bucket to report on")
	_ = statsCmd.MarkFlagRequired("bucket")

	return statsCmd
}

func runStats(path, bucketName string) error {
	db, err := boltkv.Open(path, 0o600, &boltkv.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *boltkv.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}

		s := b.Stats()
		fmt.Printf("Bucket: %s\n", bucketName)
		fmt.Printf("  KeyN:          %d\n", s.KeyN)
		fmt.Printf("  Depth:         %d\n", s.Depth)
		fmt.Printf("  BranchPageN:   %d\n", s.BranchPageN)
		fmt.Printf("  LeafPageN:     %d\n", s.LeafPageN)
		fmt.Printf("  OverflowN:     %d\n", s.LeafOverflowN+s.BranchOverflowN)
		fmt.Printf("  InlineBucketN: %d\n", s.InlineBucketN)
		return nil
	})
}
