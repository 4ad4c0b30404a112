package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/alexjbarnes/aicap/internal/config"
	"github.com/alexjbarnes/aicap/internal/credentials"
	"github.com/alexjbarnes/aicap/internal/cryptostore"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/logging"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const maxAccountNameLen = 50

// Output formats for accounts list.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type accountsOptions struct {
	dataDir string
}

func newAccountsCmd() *cobra.Command {
	opts := &accountsOptions{}

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage stored provider accounts",
		Long: `Manage the accounts kept in the encrypted credential file.

A running server notices these changes and refreshes its limits.`,
	}
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Credential directory (defaults to AICAP_DATA_DIR or ~/.aicap)")

	cmd.AddCommand(newAccountsListCmd(opts))
	cmd.AddCommand(newAccountsActivateCmd(opts))
	cmd.AddCommand(newAccountsRenameCmd(opts))
	cmd.AddCommand(newAccountsDeleteCmd(opts))

	return cmd
}

// openStore returns the credential store the server would use.
func (o *accountsOptions) openStore() (*credentials.Store, error) {
	dir := o.dataDir
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		dir = cfg.DataDir
	}

	if err := cryptostore.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("preparing data dir: %w", err)
	}

	return credentials.New(dir, cryptostore.New(dir), logging.Discard()), nil
}

func newAccountsListCmd(opts *accountsOptions) *cobra.Command {
	var provider, output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case outputTable, outputJSON, outputYAML:
			default:
				return fmt.Errorf("unsupported output format: %q (valid: table, json, yaml)", output)
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}

			return printAccounts(cmd.OutOrStdout(), store.GetAccounts(provider), output)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only list accounts of this provider")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")

	return cmd
}

func printAccounts(w io.Writer, accounts []models.AccountSummary, output string) error {
	if accounts == nil {
		accounts = []models.AccountSummary{}
	}

	switch output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	case outputYAML:
		data, err := yaml.Marshal(accounts)
		if err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	}

	if len(accounts) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No accounts found"))
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "PROVIDER", "NAME", "ACTIVE"})

	for _, a := range accounts {
		active := ""
		if a.IsActive {
			active = text.FgGreen.Sprint("yes")
		}
		t.AppendRow(table.Row{a.ID, a.Provider, a.Name, active})
	}

	t.Render()
	return nil
}

func accountIDArg(args []string) (string, error) {
	if !credentials.ValidID(args[0]) {
		return "", fmt.Errorf("%w: %q", apperr.ErrInvalidAccountID, args[0])
	}
	return args[0], nil
}

func newAccountsActivateCmd(opts *accountsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Make an account the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountIDArg(args)
			if err != nil {
				return err
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}

			if err := store.SetActiveAccount(id); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Account %s is now active\n", id)
			return nil
		},
	}
}

func newAccountsRenameCmd(opts *accountsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountIDArg(args)
			if err != nil {
				return err
			}

			name := args[1]
			if n := utf8.RuneCountInString(name); n < 1 || n > maxAccountNameLen {
				return fmt.Errorf("name must be 1-%d characters", maxAccountNameLen)
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}

			if err := store.UpdateAccountName(id, name); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Account %s renamed to %q\n", id, name)
			return nil
		},
	}
}

func newAccountsDeleteCmd(opts *accountsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an inactive account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := accountIDArg(args)
			if err != nil {
				return err
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}

			if err := store.DeleteInactiveAccount(id); err != nil {
				if errors.Is(err, apperr.ErrAccountActive) {
					return fmt.Errorf("cannot delete %s: %w; activate another account first", id, err)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Account %s deleted\n", id)
			return nil
		},
	}
}
