package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docuvault/docvault/internal/audit"
)

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an encrypted snapshot of the store",
		Long: `Write a snapshot of all documents and their version history.

Payloads stay encrypted in the snapshot; restoring it requires the same
master passphrase the store was using when the backup was taken.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			out, err := os.Create(outPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "create backup file", err)
			}
			defer out.Close()

			if err := store.Backup(cmd.Context(), out, actor()); err != nil {
				os.Remove(outPath)
				return storeFail(f, err)
			}
			if err := out.Close(); err != nil {
				return WrapExitError(ExitFailure, "flush backup file", err)
			}
			return f.Success("backup written to " + outPath)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "backup file to write")
	cmd.MarkFlagRequired("out")

	return cmd
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	var inPath string
	var confirm bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the store's contents from a backup",
		Long: `Replace the entire store from a backup snapshot.

This is destructive: existing documents are removed and replaced by the
backup's contents in a single transaction. Requires --yes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			if !confirm {
				return &ExitError{Code: ExitCommandError, Message: "restore replaces all documents; pass --yes to confirm"}
			}

			in, err := os.Open(inPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "open backup file", err)
			}
			defer in.Close()

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Restore(cmd.Context(), in, actor()); err != nil {
				return storeFail(f, err)
			}
			return f.Success("restore complete")
		},
	}

	cmd.Flags().StringVarP(&inPath, "in", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the destructive restore")
	cmd.MarkFlagRequired("in")

	return cmd
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	var documentID, operation, outcome string
	var sinceSeq int64
	var limit int

	cmd := &cobra.Command{
		Use:           "audit",
		Short:         "List audit log entries",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.AuditTrail(cmd.Context(), audit.Filter{
				DocumentID: documentID,
				Operation:  operation,
				Outcome:    audit.Outcome(outcome),
				SinceSeq:   sinceSeq,
				Limit:      limit,
			})
			if err != nil {
				return storeFail(f, err)
			}

			if rootOpts.Format == "json" {
				return f.Success(entries)
			}
			var b strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&b, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Seq, e.Timestamp.Format(time.RFC3339), e.Operation,
					e.DocumentID, e.Actor, e.Outcome, e.Detail)
			}
			return f.Success(strings.TrimRight(b.String(), "\n"))
		},
	}

	cmd.Flags().StringVar(&documentID, "document", "", "filter by document ID")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation name")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome")
	cmd.Flags().Int64Var(&sinceSeq, "since-seq", 0, "only entries after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to return (0 = all)")

	return cmd
}

// NewRotateKeyCommand creates the rotate-key command.
func NewRotateKeyCommand(rootOpts *RootOptions) *cobra.Command {
	var passphraseEnv string

	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt the store under a new master passphrase",
		Long: `Re-encrypt every document and historical version under a new
master passphrase.

The new passphrase is read from the environment variable named by
--new-passphrase-env. The store rejects other writes while rotation is
in progress.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			newPassphrase := os.Getenv(passphraseEnv)
			if newPassphrase == "" {
				return &ExitError{Code: ExitCommandError, Message: "environment variable " + passphraseEnv + " is empty"}
			}

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RotateKey(cmd.Context(), newPassphrase, actor()); err != nil {
				return storeFail(f, err)
			}
			return f.Success("key rotation complete")
		},
	}

	cmd.Flags().StringVar(&passphraseEnv, "new-passphrase-env", "DOCVAULT_NEW_PASSPHRASE", "environment variable holding the new passphrase")

	return cmd
}
