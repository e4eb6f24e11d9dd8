package main

import (
	"log"

	"github.com/vbp1/pgcatchup/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
