package main

import (
	"log"

	"halloffame/services/mintd"
)

func main() {
	if err := mintd.Main(); err != nil {
		log.Fatalf("mintd: %v", err)
	}
}
