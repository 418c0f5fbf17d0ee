package main

import (
	"context"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/wolfman30/waitlist-backfill/internal/events"
)

// app carries the collaborators commands need so tests can swap them.
type app struct {
	out        io.Writer
	httpClient *http.Client
	openQueue  func(ctx context.Context) (events.Queue, error)
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "backfillctl",
		Short:         "Operate the waitlist backfill service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetOut(a.out)
	cmd.AddCommand(newPublishCmd(a))
	cmd.AddCommand(newStateCmd(a))
	return cmd
}
