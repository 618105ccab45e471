package main

import (
	"log"

	"github.com/mistakeknot/tickstore/internal/cli"
)

func main() {
	if err := cli.New().Execute(); err != nil {
		log.Fatalf("tickstore: %v", err)
	}
}
