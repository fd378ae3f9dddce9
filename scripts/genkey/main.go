// genkey generates a random API key and its Argon2id hash for kansoku auth.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints the plaintext key once (give it to producers and dashboard users)
// and the encoded hash to put in KANSOKU_API_KEY_HASH. The server never
// needs the plaintext: configure only the hash in production. Keys are not
// stored anywhere — if the plaintext is lost, generate a new pair.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ashita-ai/kansoku/internal/auth"
)

func main() {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	key := "sk-" + hex.EncodeToString(raw)

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key (save it now, it is not recoverable):\n\n  %s\n\n", key)
	fmt.Printf("Server environment:\n\n  KANSOKU_API_KEY_HASH=%s\n", hash)
}
