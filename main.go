package main

import (
	"github.com/rs/zerolog/log"
	"os"
	"stitch-media/cmd"
)

func main() {
	path, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	root := cmd.Root(path)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Send()
	}
}
