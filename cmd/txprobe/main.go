// Package main is the entry point for txprobe, a command-line tool that
// exercises transaction coordination against a PostgreSQL database.
//
//	txprobe migrate                  # create the journal table
//	txprobe probe [scenario...]      # run propagation scenarios
//	txprobe journal [--limit n]      # list pending journal entries
//
// Flags default to environment variables: DATABASE_URL, LOG_LEVEL,
// APP_ENV, DB_MAX_CONNS, TX_DEFAULT_TIMEOUT and TX_NESTED_ALLOWED.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
