package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/crypto"
)

func main() {
	out := flag.String("o", "", "write the private key to this file instead of stdout")
	flag.Parse()

	keyring, err := crypto.GenerateKeyring()
	if err != nil {
		fmt.Fprintln(os.Stderr, "key generation failed:", err)
		os.Exit(1)
	}

	fmt.Printf("Identity (base64 public key): %s\n", keyring.Identity())

	if *out != "" {
		if err := os.WriteFile(*out, []byte(keyring.Export()+"\n"), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "writing key file failed:", err)
			os.Exit(1)
		}
		fmt.Printf("Private key written to %s\n", *out)
		return
	}
	fmt.Printf("Private key (base64):         %s\n", keyring.Export())
}
