package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	steamservice "steam-tracker/internal/services/steam"
)

var (
	count   = flag.Int("n", 10, "number of games to list")
	timeout = flag.Int("timeout", 10, "per-request timeout in seconds")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	apiKey := os.Getenv("STEAM_API_KEY")
	if apiKey == "" {
		log.Fatal("STEAM_API_KEY is required")
	}

	svc := steamservice.NewSteamService(apiKey, time.Duration(*timeout)*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	top, err := svc.TopByPlayers(ctx, *count)
	if err != nil {
		log.Fatalf("Failed to fetch top games: %v", err)
	}

	p := message.NewPrinter(language.English)
	fmt.Printf("🎮 Top %d Steam Games by Current Players\n\n", len(top))
	for i, entry := range top {
		p.Printf("%2d. %-48s %12d players  (app %s)\n",
			i+1, entry.Name, entry.Players, entry.AppID)
	}
	fmt.Println("\nData from Steam")
}
