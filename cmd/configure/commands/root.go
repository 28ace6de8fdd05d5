package commands

import "github.com/spf13/cobra"

// NewRootCmd builds the cohort-tags-configure command tree
func NewRootCmd(env *Env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cohort-tags-configure",
		Short:         "Operator tool for the cohort tag service",
		Long:          "Validate tag files, inspect projects and their quarantined records, and trigger revalidation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewValidateCmd(env))
	rootCmd.AddCommand(NewLibraryCmd(env))
	rootCmd.AddCommand(NewProjectCmd(env))
	rootCmd.AddCommand(NewQuarantineCmd(env))
	rootCmd.AddCommand(NewRevalidateCmd(env))
	return rootCmd
}
