package main

import (
	"log"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
