// This program generates an Argon2id hash for a proxy user's password.
package main

import (
	"fmt"
	"os"

	"forward-proxy/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: hash-password <password>")
		os.Exit(1)
	}
	password := os.Args[1]
	if password == "" {
		fmt.Fprintln(os.Stderr, "Error: password cannot be empty.")
		os.Exit(1)
	}
	hashString, err := auth.HashArgon2id(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n---\nGenerated Argon2id Hash:\n%s\n---\n", hashString)
	fmt.Println("Copy the entire hash string into the 'password' field of a user in config.yaml.")
}
