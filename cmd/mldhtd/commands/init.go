package commands

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "github.com/kaiserd/MlDHT/config"
)

var initFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the node home directory",
	Run:   initFiles,
}

func init() {
	RootCmd.AddCommand(initFilesCmd)
}

func initFiles(cmd *cobra.Command, args []string) {
	cfg.EnsureRoot(config.RootDir)
	log.WithFields(log.Fields{"module": logModule, "home": config.RootDir}).Info("Initialized mldhtd")
}
