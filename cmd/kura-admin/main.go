// Package main provides Kura's administrative CLI: tenant erasure and
// service-caller API key lifecycle management, operations deliberately kept
// out of the HTTP façade since both are privileged, infrequent, and
// destructive-adjacent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/storage"
)

const name = "kura-admin"

var errUsage = errors.New("usage error")

func main() {
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v0.1.0-dev\n", name)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		log.Fatalf("invalid database configuration: %v", err)
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() { _ = conn.Close() }()

	ctx := context.Background()

	if err := dispatch(ctx, conn, args); err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
			os.Exit(1)
		}

		log.Fatalf("%s: %v", args[0], err)
	}
}

func dispatch(ctx context.Context, conn *storage.Connection, args []string) error {
	switch args[0] {
	case "erase-tenant":
		return eraseTenant(ctx, conn, args[1:])
	case "create-key":
		return createKey(ctx, conn, args[1:])
	case "list-keys":
		return listKeys(ctx, conn, args[1:])
	case "revoke-key":
		return revokeKey(ctx, conn, args[1:])
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func eraseTenant(ctx context.Context, conn *storage.Connection, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: erase-tenant requires exactly one tenant id", errUsage)
	}

	counts, err := storage.EraseTenant(ctx, conn, args[0])
	if err != nil {
		return err
	}

	log.Printf("erased tenant %s: %d events, %d projection jobs, %d projections, %d audit entries",
		args[0], counts.Events, counts.ProjectionJobs, counts.Projections, counts.AuditEntries)

	return nil
}

func createKey(ctx context.Context, conn *storage.Connection, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: create-key requires <tenant_id> <name> [permission ...]", errUsage)
	}

	tenantID, keyName := args[0], args[1]
	permissions := args[2:]

	rawKey, err := storage.GenerateAPIKey(tenantID)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	ids := canon.NewGenerator()

	id, err := ids.New(time.Now())
	if err != nil {
		return fmt.Errorf("generate key id: %w", err)
	}

	store, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	apiKey := &storage.APIKey{
		ID:          id.String(),
		Key:         rawKey,
		TenantID:    tenantID,
		Name:        keyName,
		Permissions: permissions,
		CreatedAt:   time.Now(),
		Active:      true,
	}

	if err := store.Add(ctx, apiKey); err != nil {
		return err
	}

	log.Printf("created API key %s for tenant %s: %s", id.String(), tenantID, rawKey)
	log.Printf("this is the only time the plaintext key is shown; store it now")

	return nil
}

func listKeys(ctx context.Context, conn *storage.Connection, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: list-keys requires exactly one tenant id", errUsage)
	}

	store, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListByTenant(ctx, args[0])
	if err != nil {
		return err
	}

	for _, k := range keys {
		log.Printf("%s\t%s\t%s\tactive=%v", k.ID, k.Name, strings.Join(k.Permissions, ","), k.Active)
	}

	return nil
}

func revokeKey(ctx context.Context, conn *storage.Connection, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: revoke-key requires exactly one key id", errUsage)
	}

	store, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return store.Delete(ctx, args[0])
}

func printUsage() {
	fmt.Printf(`%s - Kura administrative CLI

USAGE:
    %s COMMAND [ARGS]

COMMANDS:
    erase-tenant <tenant_id>
        Permanently delete every row owned by tenant_id.

    create-key <tenant_id> <name> [permission ...]
        Mint a new API key for tenant_id; prints the plaintext key once.

    list-keys <tenant_id>
        List active API keys for tenant_id.

    revoke-key <key_id>
        Soft-delete (deactivate) an API key.

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)
`, name, name)
}
