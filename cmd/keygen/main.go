// Keygen mints project API keys. The plaintext key is printed exactly
// once; only its PBKDF2 verifier is written to the metadata store.
//
// Usage:
//
//	keygen -project proj_a [-name "Team A"] [-iterations 600000]
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/keydir"
)

const (
	keyPrefix       = "ak_live_"
	keyRandomLength = 32
	keyAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

const upsertProjectKey = `INSERT INTO projects (id, name, api_key_hash, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (id) DO UPDATE SET api_key_hash = EXCLUDED.api_key_hash, updated_at = now()`

func main() {
	project := flag.String("project", "", "project id the key belongs to (required)")
	name := flag.String("name", "", "project display name (defaults to the project id)")
	iterations := flag.Int("iterations", keydir.DefaultIterations, "PBKDF2 iteration count for the stored verifier")
	flag.Parse()

	if *project == "" {
		fmt.Fprintln(os.Stderr, "keygen: -project is required")
		flag.Usage()
		os.Exit(2)
	}
	if *name == "" {
		*name = *project
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	key, err := mintKey()
	if err != nil {
		slog.Error("Failed to mint key", "error", err)
		os.Exit(1)
	}

	verifier, err := keydir.HashKey(key, *iterations)
	if err != nil {
		slog.Error("Failed to derive key verifier", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Metadata.URL)
	if err != nil {
		slog.Error("Failed to configure metadata store", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, upsertProjectKey, *project, *name, verifier); err != nil {
		slog.Error("Failed to store key verifier", "project", *project, "error", err)
		os.Exit(1)
	}

	// The plaintext is only recoverable from this output; the store holds
	// nothing but the verifier.
	fmt.Printf("project:  %s\n", *project)
	fmt.Printf("api key:  %s\n", key)
	fmt.Println("This key is shown once. Store it now.")
}

func mintKey() (string, error) {
	var sb strings.Builder
	sb.WriteString(keyPrefix)
	alphabetSize := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < keyRandomLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to draw key material: %w", err)
		}
		sb.WriteByte(keyAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
