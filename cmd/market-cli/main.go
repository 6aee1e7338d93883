package main

import (
	"ideaplanner-backend/cmd/market-cli/cmd"

	"github.com/joho/godotenv"
)

func main() {
	// a .env beside the binary holds local overrides during development
	godotenv.Load()
	cmd.Execute()
}
