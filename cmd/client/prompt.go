package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/openmined/treesync/internal/client/sync"
	"github.com/spf13/cobra"
)

const maxListedChanges = 10

// newPrompter picks how startup conflicts are answered: the --on-conflict flag,
// an interactive prompt on a terminal, or nothing at all.
func newPrompter(cmd *cobra.Command) (sync.Prompter, error) {
	answer, _ := cmd.Flags().GetString("on-conflict")
	if answer == "" {
		answer = os.Getenv(envPrefix + "_ON_CONFLICT")
	}
	if answer != "" {
		decision, err := sync.ParseConflictDecision(strings.ToLower(answer))
		if err != nil {
			return nil, err
		}
		return sync.StaticPrompter(decision), nil
	}

	if isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()) {
		return &terminalPrompter{}, nil
	}

	return nil, nil
}

type terminalPrompter struct{}

func (p *terminalPrompter) ResolveConflict(ctx context.Context, prompt *sync.ConflictPrompt) (sync.ConflictDecision, error) {
	fmt.Println(boxStyle.Render(describeConflict(prompt)))

	decision := sync.DecisionCancel
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[sync.ConflictDecision]().
				Title("How should treesync continue?").
				Options(
					huh.NewOption("Cancel: exit and leave everything untouched", sync.DecisionCancel),
					huh.NewOption("Merge: publish local changes on top of the server", sync.DecisionMerge),
					huh.NewOption("Reset: discard local changes and download from the server", sync.DecisionReset),
				).
				Value(&decision),
		),
	)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return sync.DecisionCancel, nil
		}
		return sync.DecisionCancel, err
	}

	return decision, nil
}

func describeConflict(prompt *sync.ConflictPrompt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", yellow.Bold(true).Render("Local changes found in "+prompt.Dir))
	if prompt.HasRemoteChanges {
		fmt.Fprintf(&b, "%s\n", red.Render(fmt.Sprintf("The server also moved from version %s to %s.", prompt.LocalVersion, prompt.RemoteVersion)))
	}

	for i, p := range prompt.LocalChanges {
		if i == maxListedChanges {
			fmt.Fprintf(&b, "%s\n", gray.Render(fmt.Sprintf("... and %d more", len(prompt.LocalChanges)-maxListedChanges)))
			break
		}
		fmt.Fprintf(&b, "  %s\n", cyan.Render(p))
	}

	return strings.TrimRight(b.String(), "\n")
}
