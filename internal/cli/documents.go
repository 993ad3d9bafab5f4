package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docuvault/docvault/internal/docstore"
	"github.com/docuvault/docvault/internal/meta"
)

// storeFail reports a store error in the configured format and returns
// an ExitError carrying the failure exit code.
func storeFail(f *OutputFormatter, err error) error {
	code := "ERROR"
	var se *docstore.StoreError
	if errors.As(err, &se) {
		code = string(se.Code)
	}
	f.Error(code, err.Error())
	return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var kind, title, payloadFile string
	var tags []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new document",
		Long: `Create a new document from a payload file (or stdin with "-").

The payload is encrypted and signed before it reaches disk; the new
document starts at version 1.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			payload, err := readPayload(payloadFile, cmd)
			if err != nil {
				return WrapExitError(ExitCommandError, "read payload", err)
			}
			k, err := docstore.ParseKind(kind)
			if err != nil {
				return WrapExitError(ExitCommandError, "parse kind", err)
			}

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			metadata := meta.Object{}
			if len(tags) > 0 {
				metadata["tags"] = meta.Strings(tags...)
			}

			info, err := store.Create(cmd.Context(), docstore.CreateRequest{
				Title:    title,
				Kind:     k,
				Payload:  payload,
				Metadata: metadata,
				Actor:    actor(),
			})
			if err != nil {
				return storeFail(f, err)
			}
			return f.Success(map[string]any{"id": info.ID, "version": info.Version})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "note", "document kind")
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "payload file, or - for stdin")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	cmd.MarkFlagRequired("title")

	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var version int64

	cmd := &cobra.Command{
		Use:           "get <id>",
		Short:         "Read a document payload",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if version > 0 {
				view, err := store.GetVersion(cmd.Context(), args[0], version)
				if err != nil {
					return storeFail(f, err)
				}
				return f.Success(string(view.Payload))
			}

			doc, err := store.Read(cmd.Context(), args[0])
			if err != nil {
				return storeFail(f, err)
			}
			if rootOpts.Format == "json" {
				return f.Success(map[string]any{
					"id":      doc.ID,
					"kind":    string(doc.Kind),
					"title":   doc.Title,
					"version": doc.Version,
					"payload": string(doc.Payload),
				})
			}
			return f.Success(string(doc.Payload))
		},
	}

	cmd.Flags().Int64Var(&version, "version", 0, "read a specific historical version")
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var payloadFile, summary string
	var expectedVersion int64

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a document payload",
		Long: `Update a document payload with optimistic concurrency.

--expected-version must match the stored version; a mismatch fails with
a CONFLICT error instead of overwriting a concurrent update.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			payload, err := readPayload(payloadFile, cmd)
			if err != nil {
				return WrapExitError(ExitCommandError, "read payload", err)
			}

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			newVersion, err := store.Update(cmd.Context(), docstore.UpdateRequest{
				ID:              args[0],
				Payload:         payload,
				ExpectedVersion: expectedVersion,
				ChangeSummary:   summary,
				Actor:           actor(),
			})
			if err != nil {
				return storeFail(f, err)
			}
			return f.Success(map[string]any{"id": args[0], "version": newVersion})
		},
	}

	cmd.Flags().StringVar(&payloadFile, "payload", "-", "payload file, or - for stdin")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the caller last read")
	cmd.Flags().StringVar(&summary, "summary", "", "change summary recorded in history")
	cmd.MarkFlagRequired("expected-version")

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:           "delete <id>",
		Short:         "Tombstone a document (or purge it with --purge)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if purge {
				err = store.PurgeDocument(cmd.Context(), args[0], actor())
			} else {
				err = store.Delete(cmd.Context(), args[0], actor())
			}
			if err != nil {
				return storeFail(f, err)
			}
			return f.Success("deleted " + args[0])
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "permanently remove the document and its history")
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var kind, tag, titleContains string
	var includeTombstoned bool

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List documents (metadata only, payloads stay encrypted)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := docstore.QueryFilter{
				Kind:              docstore.Kind(kind),
				Tag:               tag,
				TitleContains:     titleContains,
				IncludeTombstoned: includeTombstoned,
			}
			infos, err := store.Query(cmd.Context(), filter)
			if err != nil {
				return storeFail(f, err)
			}

			if rootOpts.Format == "json" {
				return f.Success(infos)
			}
			var b strings.Builder
			for _, info := range infos {
				fmt.Fprintf(&b, "%s\t%s\tv%d\t%s\t%s\n",
					info.ID, info.Kind, info.Version, info.State, info.Title)
			}
			return f.Success(strings.TrimRight(b.String(), "\n"))
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter by document kind")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	cmd.Flags().StringVar(&titleContains, "title-contains", "", "filter by title substring")
	cmd.Flags().BoolVar(&includeTombstoned, "include-tombstoned", false, "also list soft-deleted documents")

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "history <id>",
		Short:         "List the version history of a document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.History(cmd.Context(), args[0])
			if err != nil {
				return storeFail(f, err)
			}
			if rootOpts.Format == "json" {
				return f.Success(infos)
			}
			var b strings.Builder
			for _, v := range infos {
				fmt.Fprintf(&b, "v%d\t%s\t%s\n",
					v.Version, v.CreatedAt.Format(time.RFC3339), v.ChangeSummary)
			}
			return f.Success(strings.TrimRight(b.String(), "\n"))
		},
	}
	return cmd
}

// readPayload reads the payload from a file or stdin.
func readPayload(path string, cmd *cobra.Command) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
