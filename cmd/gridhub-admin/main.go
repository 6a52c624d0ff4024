// ABOUTME: Admin CLI for a running gridhub
// ABOUTME: Lists agents, sessions and ledger events; releases sessions and evicts agents

package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
