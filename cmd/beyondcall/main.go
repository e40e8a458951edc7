package main

import "github.com/Dalmarthas/Beyond-Call/internal/cli"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.Execute(version)
}
