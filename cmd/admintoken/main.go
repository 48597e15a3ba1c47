// Command admintoken mints an admin token for local use. In production admin
// tokens come from the back-office login.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"SupportChat/server/internal/config"
	"SupportChat/server/internal/models"
	"SupportChat/server/internal/utils"
)

func main() {
	id := flag.String("id", "", "admin id (token subject)")
	name := flag.String("name", "", "display name shown to visitors and used for assignment")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "admintoken: -id is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "admintoken:", err)
		os.Exit(1)
	}

	signer := utils.NewTokenSigner(cfg.JWTSecret, *ttl)
	token, err := signer.Issue(models.Identity{ID: *id, Name: *name, Role: models.RoleAdmin}, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "admintoken:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
