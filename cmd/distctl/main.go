package main

import "github.com/ippclub/dora-apt/internal/cli"

// version is set via ldflags.
var version = "dev"

func main() {
	cli.SetVersion(version)
	cli.Execute()
}
