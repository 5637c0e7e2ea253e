// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	datastoreURIFlag = "datastore-uri"
	datastoreURIConf = "datastore.uri"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with AUTHZCACHE, or config.yaml (in that
// order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("AUTHZCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/authzcache", "$HOME/.authzcache", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetDefault(datastoreURIFlag, "")
	err := viper.ReadInConfig()
	if err == nil {
		viper.SetDefault(datastoreURIFlag, viper.Get(datastoreURIConf))
	}

	return &cobra.Command{
		Use:   "authzcache",
		Short: "Authorization cache and filtering subsystem for path-addressed object stores",
		Long: `Authorization cache and filtering subsystem for path-addressed object stores.

It compiles relationship-graph permission checks into per-subject bitmap
caches and mount tables, so list filtering and visibility answers avoid
per-object graph round trips.`,
	}
}
