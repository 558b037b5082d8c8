// Command mailctl is an operator diagnostic tool: it resolves one account's
// connection parameters and runs a single IMAP connect+auth+SELECT cycle
// outside the supervisor, for tracking down a connection failure without
// booting the whole process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailext/ingestion/internal/config"
	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/imapconn"
	"github.com/mailext/ingestion/internal/ingestion"
	"github.com/mailext/ingestion/internal/models"
	"github.com/mailext/ingestion/internal/oauth2engine"
	"github.com/mailext/ingestion/internal/provider"
)

func main() {
	accountID := flag.String("account", "", "account id to test")
	env := flag.String("env", "development", "environment name (selects config.<env>.yaml)")
	flag.Parse()

	if *accountID == "" {
		fmt.Fprintln(os.Stderr, "usage: mailctl -account <account_id>")
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("MAILEXT_CONFIG_PATH"), *env)
	if err != nil {
		fatal("load config", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	storage := hostkv.NewRedisStorage(redisClient)
	vault := hostkv.NewRedisVault(redisClient)
	accounts := ingestion.NewAccountStore(storage, vault)

	endpoints := oauth2engine.StaticEndpoints(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Outlook.ClientID, cfg.Outlook.TenantID)
	oauth := oauth2engine.New(endpoints)
	resolver := provider.NewResolver(oauth)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	account, err := accounts.Get(ctx, *accountID)
	if err != nil {
		fatal("load account", err)
	}
	if account == nil {
		fatal("load account", fmt.Errorf("no account %s on record", *accountID))
	}

	creds, err := accounts.Credentials(ctx, *accountID)
	if err != nil {
		fatal("load credentials", err)
	}

	params, refreshed, err := resolver.Resolve(ctx, *account, creds)
	if err != nil {
		fatal("resolve connection params", err)
	}
	if refreshed.Kind == models.AuthOAuth2 {
		_ = accounts.UpdateCredentials(ctx, *accountID, refreshed)
	}

	report := map[string]interface{}{
		"account_id":  *accountID,
		"provider":    account.Provider,
		"host":        params.Host,
		"port":        params.Port,
		"use_xoauth2": params.UseXOAuth2,
	}

	if err := imapconn.Test(ctx, *accountID, params); err != nil {
		report["ok"] = false
		report["error"] = err.Error()
		printReport(report)
		os.Exit(1)
	}
	report["ok"] = true
	printReport(report)
}

func printReport(report map[string]interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

func fatal(step string, err error) {
	fmt.Fprintf(os.Stderr, "mailctl: %s: %v\n", step, err)
	os.Exit(1)
}
