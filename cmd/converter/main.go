// Package main runs the video to MP3 conversion workers.
package main

import (
	"os"

	"github.com/maauso/audioextract/internal/bootstrap"
	"github.com/maauso/audioextract/internal/config"
)

func main() {
	os.Exit(bootstrap.Main(config.RoleConverter))
}
