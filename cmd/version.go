package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/openfga/twinguard/internal/build"
)

// NewVersionCommand returns the command to get twinguard version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the twinguard version",
		Long:  "Return the twinguard version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("twinguard Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
