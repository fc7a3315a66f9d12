package main

import (
	"os"

	"github.com/zerosnacks/fuse-v1/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
