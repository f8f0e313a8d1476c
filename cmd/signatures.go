package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/signature"
)

var signaturesCmd = &cobra.Command{
	Use:   "signatures",
	Short: "Inspect signature tables",
}

var signaturesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Load a signature table and report malformed entries",
	Long: `Load a signature table and report every entry that fails to compile.

Without a file the built-in table is checked. Exits non-zero when any
entry is malformed; a scan would run with those entries dropped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSignaturesValidate,
}

func init() {
	rootCmd.AddCommand(signaturesCmd)
	signaturesCmd.AddCommand(signaturesValidateCmd)
}

func runSignaturesValidate(cmd *cobra.Command, args []string) error {
	source := "built-in table"
	var (
		table *signature.Table
		err   error
	)
	if len(args) == 1 {
		source = args[0]
		table, err = signature.LoadFile(args[0])
	} else {
		table = signature.Default()
	}

	var malformed *signature.MalformedError
	if err != nil && !errors.As(err, &malformed) {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint("Signature table:"), source)
	counts := table.Counts()
	for _, family := range table.Families() {
		fmt.Fprintf(out, "  %-18s %d\n", family, counts[family])
	}

	if malformed == nil {
		color.Green("\n✓ all entries compiled\n")
		return nil
	}

	color.Red("\n✗ %d malformed entries skipped\n", len(malformed.Entries))
	for _, entry := range malformed.Entries {
		fmt.Fprintf(out, "  %s\n", entry)
	}
	return fmt.Errorf("%s: %w", source, signature.ErrMalformedTable)
}
