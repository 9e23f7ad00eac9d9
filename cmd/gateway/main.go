// Package main runs the HTTP ingestion and retrieval gateway.
package main

import (
	"os"

	"github.com/maauso/audioextract/internal/bootstrap"
	"github.com/maauso/audioextract/internal/config"
)

func main() {
	os.Exit(bootstrap.Main(config.RoleGateway))
}
