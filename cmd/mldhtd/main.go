package main

import (
	"os"

	"github.com/tendermint/tmlibs/cli"

	"github.com/kaiserd/MlDHT/cmd/mldhtd/commands"
)

func main() {
	cmd := cli.PrepareBaseCmd(commands.RootCmd, "ML", os.ExpandEnv("./.mldhtd"))
	cmd.Execute()
}
