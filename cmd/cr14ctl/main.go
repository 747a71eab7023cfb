package main

import (
	"os"

	"github.com/shaunagostinho/cr14-rfid/internal/ctl"
)

func main() {
	if err := ctl.Execute(); err != nil {
		os.Exit(1)
	}
}
