package migrate

import (
	"github.com/spf13/cobra"

	"github.com/openfga/twinguard/cmd/util"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command, _ []string) {
	flags := command.Flags()

	for _, name := range []string{
		datastoreEngineFlag,
		datastoreURIFlag,
		datastoreUsernameFlag,
		datastorePasswordFlag,
		versionFlag,
		timeoutFlag,
		verboseMigrationFlag,
		logFormatFlag,
		logLevelFlag,
		logTimestampFormatFlag,
	} {
		util.MustBindPFlag(name, flags.Lookup(name))
	}
}
