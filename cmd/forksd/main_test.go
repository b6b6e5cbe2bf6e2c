package main

import "testing"

func TestRootCommandRegistersServe(t *testing.T) {
	root := newRootCommand()
	cmd, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Use != "serve" {
		t.Fatalf("expected serve subcommand, got %q", cmd.Use)
	}
}
