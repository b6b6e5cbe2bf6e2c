package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	bold = color.New(color.Bold).SprintFunc()
	cyan = color.New(color.FgCyan).SprintFunc()
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "forksd",
		Short: "forksd is the coding-agent daemon: store, event bus, PTY and approval broker behind a WebSocket gateway",
	}
	root.AddCommand(newServeCommand())
	return root
}
