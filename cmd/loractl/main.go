package main

import (
	"os"

	"loraserve/internal/ctl"
)

func main() {
	os.Exit(ctl.Main(os.Args[1:]))
}
