package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{
		"run", "runs", "schedule", "serve", "status", "entities", "replay", "migrate",
	} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestRunsSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"list", "show", "stats", "deadletters"} {
		assert.True(t, names[want], "missing runs subcommand %q", want)
	}
}

func TestReplaySubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range replayCmd.Commands() {
		names[c.Name()] = true
	}

	assert.True(t, names["stage"])
	assert.True(t, names["verify"])
}
