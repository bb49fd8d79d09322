package main

import (
	"os"

	"github.com/dreamine/hybridhost/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
