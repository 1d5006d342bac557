package main

import (
	"log"

	"halloffame/services/saled"
)

func main() {
	if err := saled.Main(); err != nil {
		log.Fatalf("saled: %v", err)
	}
}
