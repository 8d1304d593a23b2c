// Command channels prints a connector's channel ledger via the admin API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/agentfabric/agent-fabric/internal/ledger"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "admin API base URL")
	key := flag.String("key", os.Getenv("ADMIN_API_KEY"), "admin API key")
	flag.Parse()

	req, err := http.NewRequest(http.MethodGet, *addr+"/admin/channels", nil)
	if err != nil {
		fatal(err)
	}
	if *key != "" {
		req.Header.Set("X-Api-Key", *key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatal(fmt.Errorf("status %d from %s", resp.StatusCode, req.URL))
	}

	var body struct {
		Channels []ledger.EntrySnapshot `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fatal(err)
	}

	if len(body.Channels) == 0 {
		fmt.Println("no channels")
		return
	}
	for _, c := range body.Channels {
		fmt.Printf("%s/%s\n", c.PeerID, c.ChainTag)
		fmt.Printf("  deposit:    %s\n", c.Deposit)
		fmt.Printf("  owed to:    %s\n", c.OwedToPeer)
		fmt.Printf("  owed from:  %s\n", c.OwedFromPeer)
		fmt.Printf("  nonce:      %d (recv %d)\n", c.Nonce, c.HighestReceivedNonce)
		if c.SettlementPending {
			fmt.Printf("  settlement: pending\n")
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "channels:", err)
	os.Exit(1)
}
