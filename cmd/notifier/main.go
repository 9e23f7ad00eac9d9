// Package main runs the audio-ready notification workers.
package main

import (
	"os"

	"github.com/maauso/audioextract/internal/bootstrap"
	"github.com/maauso/audioextract/internal/config"
)

func main() {
	os.Exit(bootstrap.Main(config.RoleNotifier))
}
