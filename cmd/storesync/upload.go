package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/storesync/internal/operation"
	"github.com/openmined/storesync/internal/wholestore"
	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	var (
		documentID string
		clientID   string
		storePath  string
		changeSets string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Publish this client's whole store and applied change sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(s *session) error {
				if err := s.lock(documentID); err != nil {
					return err
				}

				adapter, err := s.adapter()
				if err != nil {
					return err
				}

				dispatcher := s.dispatcher()
				defer dispatcher.Wait()

				up, err := wholestore.NewUpload(wholestore.UploadConfig{
					DocumentID:    documentID,
					ClientID:      clientID,
					StorePath:     storePath,
					ChangeSetPath: changeSets,
					Layout:        s.cfg.Layout(),
				}, adapter, dispatcher, operation.WithObserver(
					s.journal.Observer(documentID, func() string { return clientID }),
				))
				if err != nil {
					return err
				}

				if err := runOperation(cmd, up.Operation); err != nil {
					return err
				}

				printResult(cmd.OutOrStdout(), up.Operation, documentID, clientID, storePath, changeSets)
				return nil
			})
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "document id")
	cmd.Flags().StringVarP(&clientID, "client", "u", "", "id of this client")
	cmd.Flags().StringVar(&storePath, "store", "", "local whole store file")
	cmd.Flags().StringVar(&changeSets, "change-sets", "", "local applied change sets file")
	for _, name := range []string{"document", "client", "store", "change-sets"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

// runOperation starts op and blocks until it is terminal. An interrupt
// cancels the command context, which settles op as Cancelled once the step in
// flight returns.
func runOperation(cmd *cobra.Command, op *operation.Operation) error {
	if err := op.Start(cmd.Context()); err != nil {
		return err
	}
	err := op.Wait(context.Background())
	if op.State() == operation.StateFailed {
		return fmt.Errorf("%s failed at %s: %w", op.Name(), op.CurrentStep(), err)
	}
	return err
}

func printResult(w io.Writer, op *operation.Operation, documentID, clientID string, files ...string) {
	var size uint64
	for _, f := range files {
		if fi, err := os.Stat(f); err == nil {
			size += uint64(fi.Size())
		}
	}
	took := op.FinishedAt().Sub(op.StartedAt()).Round(time.Millisecond)
	fmt.Fprintf(w, "%s %s/%s %s: %s in %s\n", op.Name(), documentID, clientID, op.State(), humanize.Bytes(size), took)
}
