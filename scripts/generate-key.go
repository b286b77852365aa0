// Package main is a development utility for generating a credential payload
// encryption key. The payload cipher requires a master key of exactly 32 bytes,
// so the tool encodes 24 random bytes as 32 characters of URL-safe base64 and
// prints the export line ready to paste into a local environment. Do not reuse
// a generated key across environments — rotating the key requires re-encrypting
// every stored credential payload.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

func main() {
	randomBytes := make([]byte, 24)
	_, err := rand.Read(randomBytes)
	if err != nil {
		log.Fatal(err)
	}

	// 24 raw bytes -> 32 base64 characters, the exact key length the cipher accepts.
	key := base64.RawURLEncoding.EncodeToString(randomBytes)

	fmt.Println("==========================================================")
	fmt.Println("Payload Encryption Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nKey: %s\n", key)
	fmt.Printf("\nexport ENCRYPTION_KEY=%s\n", key)
	fmt.Println("\n==========================================================")
}
