package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yoonpark/limitd/pkg/crypto"
	"github.com/yoonpark/limitd/pkg/engine/permit"
)

// sign-ticket mints a permission ticket the way the relay authority would
// after running its auction: generate (or load) the authority key, sign a
// ticket for one taker and one order, and print the JSON to attach to a
// fill request.
func main() {
	var (
		orderID  = flag.String("order", "", "order ID the ticket is scoped to")
		taker    = flag.String("taker", "", "taker address the ticket grants")
		validSec = flag.Int64("valid", 60, "validity window in seconds from now")
		keyHex   = flag.String("key", "", "authority private key hex (generates one if empty)")
	)
	flag.Parse()

	if *orderID == "" || !common.IsHexAddress(*taker) {
		fmt.Println("usage: sign-ticket -order <orderID> -taker <address> [-valid <seconds>] [-key <hex>]")
		os.Exit(1)
	}

	var signer *crypto.Signer
	var err error
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	} else {
		fmt.Println("Generating new authority keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Authority: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	now := time.Now().Unix()
	payload := &crypto.TicketPayload{
		OrderID:    *orderID,
		Taker:      common.HexToAddress(*taker),
		ValidAfter: big.NewInt(now),
		ValidUntil: big.NewInt(now + *validSec),
		Nonce:      big.NewInt(now),
	}

	ticketSigner := crypto.NewTicketSigner(crypto.DefaultDomain())
	signature, err := ticketSigner.SignTicket(signer, payload)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	ticket := &permit.Ticket{
		OrderID:    payload.OrderID,
		Taker:      payload.Taker.Hex(),
		ValidAfter: payload.ValidAfter.Int64(),
		ValidUntil: payload.ValidUntil.Int64(),
		Nonce:      payload.Nonce.Uint64(),
		Signature:  hexutil.Encode(signature),
	}

	ticketJSON, err := json.MarshalIndent(ticket, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	// Sanity check: recover the signer from the finished ticket.
	recovered, err := ticketSigner.RecoverTicketSigner(payload, signature)
	if err != nil || recovered != signer.Address() {
		fmt.Printf("Signature verification failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Permission Ticket (attach as \"ticket\" in the fill request):")
	fmt.Println(string(ticketJSON))
	fmt.Println()
	fmt.Println("To fill with this ticket:")
	fmt.Println("  POST http://localhost:8080/api/v1/orders/fill")
}
