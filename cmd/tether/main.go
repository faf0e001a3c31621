package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devserverCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
