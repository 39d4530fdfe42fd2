package main

import (
	"os"

	"warden/cmd/warden/cli"
)

func main() {
	os.Exit(cli.Execute())
}
