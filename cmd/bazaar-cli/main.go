package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bazaar/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("BAZAAR_RPC_TOKEN")

func defaultRPCEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("RPC_URL")); url != "" {
		return url
	}
	return "http://localhost:8645"
}

func main() {
	args := os.Args[1:]
	if len(args) > 1 && args[0] == "--rpc" {
		rpcEndpoint = args[1]
		args = args[2:]
	}
	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-key":
		generateKey()
	case "list":
		requireArgs(args, 3, "list <seller-address> <price>")
		listItem(args[1], args[2])
	case "buy":
		requireArgs(args, 4, "buy <buyer-address> <item-id> <value>")
		purchaseItem(args[1], args[2], args[3])
	case "confirm":
		requireArgs(args, 3, "confirm <buyer-address> <item-id>")
		itemAction("market_confirmDelivery", args[1], args[2])
	case "dispute":
		requireArgs(args, 3, "dispute <buyer-address> <item-id>")
		itemAction("market_raiseDispute", args[1], args[2])
	case "resolve":
		requireArgs(args, 4, "resolve <arbiter-address> <item-id> <refund|release>")
		resolveDispute(args[1], args[2], args[3])
	case "item":
		requireArgs(args, 2, "item <item-id>")
		getItem(args[1])
	case "count":
		call("market_itemCount", nil)
	case "balance":
		requireArgs(args, 2, "balance <address>")
		call("market_getBalance", map[string]interface{}{"address": args[1]})
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: bazaar-cli [--rpc <url>] <command>

Commands:
  generate-key                                   Create a new keypair and print its address
  list <seller-address> <price>                  List an item at a fixed price
  buy <buyer-address> <item-id> <value>          Purchase an item, depositing the value into escrow
  confirm <buyer-address> <item-id>              Confirm delivery and release funds to the seller
  dispute <buyer-address> <item-id>              Raise a dispute on a purchased item
  resolve <arbiter-address> <item-id> <refund|release>
                                                 Resolve a dispute as the arbiter
  item <item-id>                                 Show a single item record
  count                                          Show the total number of items ever listed
  balance <address>                              Show an account balance`)
}

func requireArgs(args []string, want int, usage string) {
	if len(args) < want {
		fmt.Fprintf(os.Stderr, "Usage: bazaar-cli %s\n", usage)
		os.Exit(1)
	}
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Address:     %s\n", key.PubKey().Address().String())
	fmt.Printf("Private key: %s\n", hex.EncodeToString(key.Bytes()))
}

func listItem(seller, price string) {
	call("market_listItem", map[string]interface{}{
		"seller": seller,
		"price":  price,
	})
}

func purchaseItem(buyer, id, value string) {
	call("market_purchaseItem", map[string]interface{}{
		"buyer": buyer,
		"id":    parseID(id),
		"value": value,
	})
}

func itemAction(method, caller, id string) {
	call(method, map[string]interface{}{
		"caller": caller,
		"id":     parseID(id),
	})
}

func resolveDispute(caller, id, outcome string) {
	var refundBuyer bool
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "refund":
		refundBuyer = true
	case "release":
		refundBuyer = false
	default:
		fmt.Fprintln(os.Stderr, "Outcome must be refund or release.")
		os.Exit(1)
	}
	call("market_resolveDispute", map[string]interface{}{
		"caller":      caller,
		"id":          parseID(id),
		"refundBuyer": refundBuyer,
	})
}

func getItem(id string) {
	call("market_getItem", map[string]interface{}{"id": parseID(id)})
}

func parseID(raw string) uint64 {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		fmt.Fprintf(os.Stderr, "Invalid item id: %s\n", raw)
		os.Exit(1)
	}
	return id
}

func call(method string, params interface{}) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode request: %v\n", err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if rpcAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Data    interface{} `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode response: %v\n", err)
		os.Exit(1)
	}
	if decoded.Error != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d (%s): %v\n", decoded.Error.Code, decoded.Error.Message, decoded.Error.Data)
		os.Exit(1)
	}

	pretty, err := json.MarshalIndent(decoded.Result, "", "  ")
	if err != nil {
		fmt.Println(string(decoded.Result))
		return
	}
	fmt.Println(string(pretty))
}
