// Package main is a development utility that prints fresh secrets for a local recordkeeper
// deployment: a JWT signing secret, an archive encryption key and a short-lived session token
// signed with that secret for use with auditctl. Paste the output into .env. Do not reuse
// generated values in production.
package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/recordkeeper/recordkeeper/internal/auth"
	"github.com/recordkeeper/recordkeeper/internal/crypto"
)

func main() {
	secret, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}
	archiveKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	jwtSecret := base64.RawURLEncoding.EncodeToString(secret)
	if err := os.Setenv("RK_JWT_SECRET", jwtSecret); err != nil {
		log.Fatal(err)
	}
	token, err := auth.GenerateJWT(1, "Dev Admin", "admin@dev.local", 24*time.Hour)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("# recordkeeper development secrets")
	fmt.Printf("RK_JWT_SECRET=%s\n", jwtSecret)
	fmt.Printf("RK_AUDIT_ARCHIVE_ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(archiveKey))
	fmt.Printf("RK_API_TOKEN=%s\n", token)
}
