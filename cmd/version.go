package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/tigerfs/authzcache/internal/build"
)

// NewVersionCommand returns the command to print the build version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Return the authzcache version",
		Long:  "Return the authzcache version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("authzcache version %s commit id %s", build.Version, build.Commit)
	return nil
}
