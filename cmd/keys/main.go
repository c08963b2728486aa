package main

import (
	"fmt"
	"os"

	logger "github.com/sirupsen/logrus"

	"signalrelay/src/security"
)

// Encrypts credentials for use with EXCHANGE_CREDENTIALS_ENCRYPTED=true.
// Each argument is encrypted under EXCHANGE_CREDENTIALS_KEY and printed as a
// ciphertext suitable for the connector env vars.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: keys <credential> [<credential>...]")
		os.Exit(1)
	}

	for _, plain := range os.Args[1:] {
		cipherText, err := security.EncryptString(plain)
		if err != nil {
			logger.WithError(err).Fatal("Failed to encrypt credential")
		}
		fmt.Println(cipherText)
	}
}
