package main

import (
	"fmt"
	"os"

	"github.com/cveti/loyalty-bot/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "loyalty api: %v\n", err)
		os.Exit(1)
	}
}
