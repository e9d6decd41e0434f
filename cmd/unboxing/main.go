package main

import (
	"os"

	"github.com/apk-analysis/apk-unboxing-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
