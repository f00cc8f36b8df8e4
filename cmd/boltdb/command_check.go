package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kvtree/boltkv"
)

func newCheckCobraCommand() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check <db-path>",
		Short: "run a consistency check over the whole database",
		Long:  "run a consistency check over the whole database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(args[0])
		},
	}

	return checkCmd
}

func runCheck(path string) error {
	db, err := boltkv.Open(path, 0o600, &boltkv.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	var n int
	err = db.View(func(tx *boltkv.Tx) error {
		for checkErr := range tx.Check() {
			fmt.Println(checkErr)
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if n > 0 {
		return fmt.Errorf("%d inconsistencies found", n)
	}
	fmt.Println("OK")
	return nil
}
