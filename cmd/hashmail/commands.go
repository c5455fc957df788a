package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nonatech-uk/hash-calendar-email/internal/auth"
	"github.com/nonatech-uk/hash-calendar-email/internal/bulk"
	"github.com/nonatech-uk/hash-calendar-email/internal/extract"
	"github.com/nonatech-uk/hash-calendar-email/internal/notify"
	"github.com/nonatech-uk/hash-calendar-email/internal/reconcile"
	"github.com/nonatech-uk/hash-calendar-email/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and change stored settings",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List settings with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the stored value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Long: `Store a setting. authorised_emails takes a comma or newline separated list,
admin_password is stored as a bcrypt hash, and an empty webhook_secret is
replaced by a new random secret.`,
	Args: cobra.ExactArgs(2),
	RunE: runSettingsSet,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an admin API token",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every run as CSV",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Create or update runs from a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract run fields from an email body read on stdin",
	Args:  cobra.NoArgs,
	RunE:  runExtract,
}

var (
	outputFile string
	subject    string
	applyFlag  bool
)

func init() {
	exportCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write to file instead of stdout")
	extractCmd.Flags().StringVarP(&subject, "subject", "s", "", "Email subject")
	extractCmd.Flags().BoolVar(&applyFlag, "apply", false, "Create or update the run with the extracted fields")

	settingsCmd.AddCommand(settingsListCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	config := loadConfig()
	database, err := openDatabase(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer database.Close()

	values, err := settings.Redacted(cmd.Context(), database)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, k := range settings.Keys {
		fmt.Fprintf(out, "%-18s %s\n", k, strings.ReplaceAll(values[k], "\n", ", "))
	}
	return nil
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	config := loadConfig()
	database, err := openDatabase(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer database.Close()

	// Load fills defaults and creates the webhook secret when missing.
	if _, err := settings.Load(cmd.Context(), database); err != nil {
		return err
	}
	raw, err := database.GetSettings(cmd.Context())
	if err != nil {
		return err
	}
	if !slices.Contains(settings.Keys, args[0]) {
		return fmt.Errorf("unknown setting %q", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), raw[args[0]])
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	config := loadConfig()
	database, err := openDatabase(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := settings.Set(cmd.Context(), database, args[0], args[1]); err != nil {
		return err
	}
	if err := database.WriteAudit(cmd.Context(), "cli", "settings.update", "", map[string]string{"keys": args[0]}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	config := loadConfig()
	if !config.AdminEnabled() {
		return errors.New("HASHMAIL_JWT_SIGNING_KEY is not set")
	}
	tokens := auth.NewTokenService(config.JWTSigningKey, config.JWTIssuer, config.AdminTokenTTL)
	token, err := tokens.GenerateAdminToken("cli")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	config := loadConfig()
	database, err := openDatabase(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer database.Close()

	processor := bulk.New(reconcile.New(database, nil), database, nil)
	data, count, err := processor.Export(cmd.Context())
	if err != nil {
		return err
	}

	if outputFile == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", outputFile, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "exported %d runs to %s\n", count, outputFile)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	config := loadConfig()
	database, err := openDatabase(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer database.Close()

	processor := bulk.New(reconcile.New(database, nil), database, nil)
	summary := processor.Import(cmd.Context(), string(data))
	if summary.Err != "" {
		return fmt.Errorf("%s", summary.Err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), notify.ImportSummary("", summary).Body)
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	body, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	config := loadConfig()
	database, err := openDatabase(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer database.Close()

	s, err := settings.Load(cmd.Context(), database)
	if err != nil {
		return err
	}

	client := extract.New(config.ExtractModel, config.ExtractTimeout)
	fields, err := client.Extract(cmd.Context(), s.AnthropicAPIKey, subject, string(body))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(fields); err != nil {
		return err
	}
	if !applyFlag {
		return nil
	}

	outcome, err := reconcile.New(database, nil).Apply(cmd.Context(), fields)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", outcome.Action, notify.FullTitle(outcome))
	return nil
}
