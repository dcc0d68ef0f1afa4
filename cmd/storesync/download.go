package main

import (
	"github.com/openmined/storesync/internal/operation"
	"github.com/openmined/storesync/internal/wholestore"
	"github.com/spf13/cobra"
)

func newDownloadCmd() *cobra.Command {
	var (
		documentID string
		clientID   string
		storePath  string
		changeSets string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Fetch the newest whole store of a document, or a given client's",
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

				// the observer needs the download, which needs the observer
				var down *wholestore.Download
				down, err = wholestore.NewDownload(wholestore.DownloadConfig{
					DocumentID:    documentID,
					ClientID:      clientID,
					StorePath:     storePath,
					ChangeSetPath: changeSets,
					Layout:        s.cfg.Layout(),
				}, adapter, dispatcher, operation.WithObserver(
					s.journal.Observer(documentID, func() string { return down.ClientID() }),
				))
				if err != nil {
					return err
				}

				if err := runOperation(cmd, down.Operation); err != nil {
					return err
				}

				printResult(cmd.OutOrStdout(), down.Operation, documentID, down.ClientID(), storePath, changeSets)
				return nil
			})
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "document id")
	cmd.Flags().StringVarP(&clientID, "client", "u", "", "download this client's store instead of the newest one")
	cmd.Flags().StringVar(&storePath, "store", "", "where to write the whole store")
	cmd.Flags().StringVar(&changeSets, "change-sets", "", "where to write the applied change sets")
	for _, name := range []string{"document", "store", "change-sets"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}
