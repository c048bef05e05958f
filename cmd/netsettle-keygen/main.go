// Command netsettle-keygen generates a fresh settlement authority keypair
// and prints its hex-encoded secret for the engine's `authority.secret`
// configuration value, and its derived address for operator reference.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/LabsX402/phantom-paradox-sub002/internal/walletkey"
)

func main() {
	quiet := flag.Bool("quiet", false, "print only the secret, no labels")
	flag.Parse()

	authority, err := walletkey.NewAuthority()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate authority key: %v\n", err)
		os.Exit(1)
	}

	if *quiet {
		fmt.Println(authority.ExportSecret())
		return
	}

	fmt.Printf("authority address: %s\n", authority.Address)
	fmt.Printf("authority secret:  %s\n", authority.ExportSecret())
	fmt.Println()
	fmt.Println("store the secret as authority.secret in the engine configuration.")
	fmt.Println("it is the only copy; losing it means settlement cannot be authorized.")
}
