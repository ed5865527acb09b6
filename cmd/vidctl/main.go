package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"vidserve/config"
	"vidserve/credentials"
	"vidserve/jobstore"
	"vidserve/logger"
	"vidserve/models"
	"vidserve/utils"
)

func main() {
	if len(os.Args) < 2 {
		printUsageAndExit()
	}
	if err := config.LoadDotEnv(); err != nil {
		logger.Fatalf("Failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	logger.SetLevel(logger.WARN)

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "create":
		createKey(ctx, cfg, args)
	case "list":
		listKeys(ctx, cfg)
	case "revoke":
		if len(args) != 1 {
			fmt.Println("Usage: revoke <key_id>")
			os.Exit(1)
		}
		revokeKey(ctx, cfg, args[0])
	case "token":
		mintToken(cfg, args)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsageAndExit()
	}
}

func printUsageAndExit() {
	fmt.Println("Usage:")
	fmt.Println("  create -name <name> [-per-minute n] [-per-hour n] [-per-day n]")
	fmt.Println("         [-formats mp4,mp3] [-ips 10.0.0.0/8,...] [-expires 720h]  - Create an API key")
	fmt.Println("  list                                                        - List API keys")
	fmt.Println("  revoke <key_id>                                             - Revoke an API key")
	fmt.Println("  token [-subject name] [-ttl 24h]                            - Mint an admin token")
	fmt.Println()
	fmt.Println("The Pebble databases are locked while the server runs; use the /admin endpoints then.")
	os.Exit(1)
}

// openCredentials opens the store the server is configured with
func openCredentials(ctx context.Context, cfg *config.Config) (credentials.Store, func()) {
	if cfg.StoreDriver == "postgres" {
		db, err := jobstore.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		store, err := credentials.NewPostgresStore(ctx, db, cfg.DefaultLimits)
		if err != nil {
			db.Close()
			logger.Fatalf("Failed to open credential store: %v", err)
		}
		return store, func() { db.Close() }
	}

	store, err := credentials.OpenPebble(cfg.CredentialsDBPath(), cfg.DefaultLimits)
	if err != nil {
		logger.Fatalf("Failed to open credential store: %v", err)
	}
	return store, func() { store.Close() }
}

func createKey(ctx context.Context, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "name of the key owner")
	perMinute := fs.Int("per-minute", cfg.DefaultLimits.PerMinute, "requests per minute")
	perHour := fs.Int("per-hour", cfg.DefaultLimits.PerHour, "requests per hour")
	perDay := fs.Int("per-day", cfg.DefaultLimits.PerDay, "requests per day")
	formats := fs.String("formats", "", "comma separated allowed formats (empty allows all)")
	ips := fs.String("ips", "", "comma separated allowed addresses or CIDR prefixes (empty allows all)")
	expires := fs.Duration("expires", 0, "lifetime of the key (0 never expires)")
	fs.Parse(args)

	if *name == "" {
		fmt.Println("Usage: create -name <name> [flags]")
		os.Exit(1)
	}

	params := credentials.CreateParams{
		Name:       *name,
		Limits:     &models.RateLimits{PerMinute: *perMinute, PerHour: *perHour, PerDay: *perDay},
		AllowedIPs: splitList(*ips),
	}
	for _, f := range splitList(*formats) {
		format, err := models.ParseFormat(f)
		if err != nil {
			logger.Fatalf("Invalid format: %v", err)
		}
		params.AllowedFormats = append(params.AllowedFormats, format)
	}
	if *expires > 0 {
		at := time.Now().Add(*expires)
		params.ExpiresAt = &at
	}

	store, closeStore := openCredentials(ctx, cfg)
	defer closeStore()

	cred, key, err := store.Create(ctx, params)
	if err != nil {
		logger.Fatalf("Failed to create key: %v", err)
	}

	fmt.Printf("Created key %s for %s\n", cred.ID, cred.Name)
	fmt.Printf("Limits: %d/min, %d/hour, %d/day\n", cred.Limits.PerMinute, cred.Limits.PerHour, cred.Limits.PerDay)
	fmt.Printf("API key (shown once): %s\n", key)
}

func listKeys(ctx context.Context, cfg *config.Config) {
	store, closeStore := openCredentials(ctx, cfg)
	defer closeStore()

	creds, err := store.List(ctx)
	if err != nil {
		logger.Fatalf("Failed to list keys: %v", err)
	}

	fmt.Println("API keys:")
	if len(creds) == 0 {
		fmt.Println("  No keys")
		return
	}
	now := time.Now()
	for _, c := range creds {
		state := "active"
		switch {
		case !c.Active:
			state = "revoked"
		case c.IsExpired(now):
			state = "expired"
		}
		fmt.Printf("  - %s %s... %-8s %-20s uses=%d\n", c.ID, c.KeyPrefix, state, c.Name, c.UsageCount)
	}
}

func revokeKey(ctx context.Context, cfg *config.Config, id string) {
	store, closeStore := openCredentials(ctx, cfg)
	defer closeStore()

	if err := store.Revoke(ctx, id); err != nil {
		logger.Fatalf("Failed to revoke key %s: %v", id, err)
	}
	fmt.Printf("Revoked key %s\n", id)
}

func mintToken(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "admin", "subject of the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	if cfg.AdminJWTSecret == "" {
		logger.Fatal("ADMIN_JWT_SECRET is not set")
	}

	now := time.Now()
	token, err := utils.CreateAdminJWT([]byte(cfg.AdminJWTSecret), &models.AdminClaims{
		Subject:   *subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(*ttl).Unix(),
		Role:      models.RoleAdmin,
	})
	if err != nil {
		logger.Fatalf("Failed to create token: %v", err)
	}
	fmt.Println(token)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
