// forksd is the daemon binary: it wires the Store, Event Bus, Worktree
// Manager, PTY Manager, Approval Broker, Execution Registry, and
// Orchestrator behind the WebSocket Gateway's HTTP surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
