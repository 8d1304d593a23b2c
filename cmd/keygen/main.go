// Command keygen generates a settlement keypair for a connector node and
// prints it in the formats the config expects.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentfabric/agent-fabric/internal/claim"
)

func main() {
	scheme := flag.String("scheme", claim.TagAptos, "key scheme: APTOS (ed25519) or EVM (secp256k1)")
	flag.Parse()

	switch *scheme {
	case claim.TagAptos:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("scheme:      %s\n", claim.TagAptos)
		fmt.Printf("private_key: %s\n", hex.EncodeToString(priv.Seed()))
		fmt.Printf("public_key:  %s\n", hex.EncodeToString(pub))
	case claim.TagEVM:
		key, err := crypto.GenerateKey()
		if err != nil {
			fatal(err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		fmt.Printf("scheme:      %s\n", claim.TagEVM)
		fmt.Printf("private_key: %s\n", hex.EncodeToString(crypto.FromECDSA(key)))
		fmt.Printf("address:     %s\n", addr.Hex())
	default:
		fatal(fmt.Errorf("unknown scheme %q", *scheme))
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "keygen:", err)
	os.Exit(1)
}
