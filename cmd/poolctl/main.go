package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ciliosclick/ciliosclick/internal/pkg/database"
	"github.com/ciliosclick/ciliosclick/internal/pkg/env"
	"github.com/ciliosclick/ciliosclick/internal/pkg/hotmart"
	"github.com/ciliosclick/ciliosclick/internal/pkg/provisioning"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]

	// sign only needs the secret, not a database
	if command == "sign" {
		if err := sign(os.Stdout, args); err != nil {
			log.Fatal(err)
		}
		return
	}

	cfg, err := provisioning.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid allocator configuration: %v", err)
	}
	database.SetupDatabase()
	svc := provisioning.NewServiceFromDB(database.GetDB(), *cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch command {
	case "seed":
		if len(args) < 1 {
			log.Fatalf("Please provide the number of accounts to create")
		}
		count, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("Invalid count: %v", err)
		}
		in := provisioning.SeedInput{Count: count}
		if len(args) > 1 {
			in.UsernamePrefix = args[1]
		}
		if len(args) > 2 {
			in.EmailDomain = args[2]
		}
		seeded, err := svc.Seed(ctx, in)
		if err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
		log.Printf("Created %d accounts. Passwords are shown only once.", len(seeded))
		printJSON(seeded)

	case "stats":
		stats, err := svc.Stats(ctx)
		if err != nil {
			log.Fatalf("Failed to read pool stats: %v", err)
		}
		printJSON(stats)

	case "suspend":
		if len(args) < 1 {
			log.Fatalf("Please provide an account UUID")
		}
		reason := "suspended via poolctl"
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		acct, err := svc.Suspend(ctx, args[0], reason)
		if err != nil {
			log.Fatalf("Suspend failed: %v", err)
		}
		printJSON(acct)

	case "restore":
		if len(args) < 1 {
			log.Fatalf("Please provide an account UUID")
		}
		acct, err := svc.Restore(ctx, args[0])
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		printJSON(acct)

	default:
		printUsage()
		os.Exit(1)
	}
}

// sign prints the signature header value for a payload file, for replaying
// deliveries by hand with curl.
func sign(w io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("please provide a payload file")
	}
	secret := env.GetEnv("HOTMART_WEBHOOK_SECRET", "")
	if secret == "" {
		return fmt.Errorf("HOTMART_WEBHOOK_SECRET is not set")
	}
	body, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hotmart.Sign(body, secret))
	return err
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/poolctl [command]")
	fmt.Println("Commands:")
	fmt.Println("  seed N [prefix] [domain] - create N available accounts")
	fmt.Println("  stats                    - count accounts per status")
	fmt.Println("  suspend UUID [reason]    - take an account out of circulation")
	fmt.Println("  restore UUID             - return a suspended account to the pool")
	fmt.Println("  sign FILE                - print the signature header for a payload file")
}
