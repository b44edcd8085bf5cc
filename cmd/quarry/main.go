package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
