// Command walletclient is a diagnostic stand-in for the relying page: it
// dials a running wallethostd over the websocket transport, wires
// internal/router on top, and drives one PM_GET_LOGIN_STATE round trip
// (or PM_LOGIN, with -account, or PM_START_DEVICE2_LINKING_FLOW, with
// -link-device) to prove the connection end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nearkit/wallet-host/internal/hostd"
	"github.com/nearkit/wallet-host/internal/logging"
	"github.com/nearkit/wallet-host/internal/router"
	"github.com/nearkit/wallet-host/internal/signer"
	"github.com/nearkit/wallet-host/internal/transport"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "wallet host websocket URL")
	accountID := flag.String("account", "", "NEAR account id to PM_LOGIN as; empty runs PM_GET_LOGIN_STATE only")
	linkDevice := flag.Bool("link-device", false, "run PM_START_DEVICE2_LINKING_FLOW instead of login/login-state")
	timeout := flag.Duration("timeout", 20*time.Second, "per-request timeout")
	flag.Parse()

	log := logging.New("walletclient", "info")

	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Println("          WALLET CLIENT — connection smoke test")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("🔌 dialing %s\n", *url)

	client := transport.NewClient(*url, log)
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancelConnect()
	if err := client.Connect(connectCtx); err != nil {
		log.Fatal().Err(err).Msg("❌ failed to connect to wallet host")
	}
	fmt.Println("✅ READY received")

	r := router.New(client, nil, log)
	r.SetTimeout(*timeout)
	go drain(client, r)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch {
	case *linkDevice:
		runLinkDevice(ctx, r, *accountID)
	case *accountID == "":
		runLoginState(ctx, r)
	default:
		runLogin(ctx, r, *accountID)
	}

	_ = client.Close()
}

// drain pumps every envelope the host sends back into the router, the Go
// analogue of the relying page's window "message" listener on port1.
func drain(client *transport.Client, r *router.Router) {
	for env := range client.Inbound {
		r.Deliver(env)
	}
}

func runLoginState(ctx context.Context, r *router.Router) {
	fmt.Println("📡 sending PM_GET_LOGIN_STATE...")
	payload, err := r.Post(ctx, hostd.Envelope{Type: hostd.TypeGetLoginState}, router.PostOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ PM_GET_LOGIN_STATE failed: %v\n", err)
		os.Exit(1)
	}
	printResult(payload)
}

func runLogin(ctx context.Context, r *router.Router, accountID string) {
	fmt.Printf("📡 sending PM_LOGIN for %s...\n", accountID)
	req := struct {
		AccountID string `json:"accountId"`
	}{AccountID: accountID}
	body, _ := json.Marshal(req)

	opts := router.PostOptions{
		OnProgress: func(p hostd.ProgressPayload) {
			fmt.Printf("   … [%s] %s\n", p.Phase, p.Message)
		},
	}
	payload, err := r.Post(ctx, hostd.Envelope{Type: hostd.TypeLogin, Payload: body}, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ PM_LOGIN failed: %v\n", err)
		os.Exit(1)
	}
	printResult(payload)
}

// runLinkDevice drives PM_START_DEVICE2_LINKING_FLOW as the waiting device
// (Device 2) would: it posts with Sticky so the progress subscriber survives
// the flow's own terminal reply (the linkCode/deviceIndex ack), since the
// real registration ceremony only runs later, out of band, once Device 1
// scans the code and sends PM_LINK_DEVICE_WITH_SCANNED_QR_DATA. StopSticky
// tears the subscription down once that ceremony's progress reaches a
// terminal phase.
func runLinkDevice(ctx context.Context, r *router.Router, accountID string) {
	fmt.Printf("📡 sending PM_START_DEVICE2_LINKING_FLOW for %s...\n", accountID)
	req := struct {
		AccountID string `json:"accountId"`
	}{AccountID: accountID}
	body, _ := json.Marshal(req)

	var requestID string
	done := make(chan struct{})
	var once sync.Once

	opts := router.PostOptions{
		Sticky: true,
		OnRequestID: func(id string) {
			requestID = id
		},
		OnProgress: func(p hostd.ProgressPayload) {
			fmt.Printf("   … [%s] %s\n", p.Phase, p.Message)
			switch p.Phase {
			case signer.PhaseSigned, signer.PhaseActionError:
				once.Do(func() { close(done) })
			}
		},
	}
	payload, err := r.Post(ctx, hostd.Envelope{Type: hostd.TypeStartDevice2LinkingFlow, Payload: body}, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ PM_START_DEVICE2_LINKING_FLOW failed: %v\n", err)
		os.Exit(1)
	}
	printResult(payload)
	fmt.Println("⏳ waiting for the scanning device to redeem the link code...")

	select {
	case <-done:
		fmt.Println("✅ linked device registered")
	case <-ctx.Done():
		fmt.Println("⏳ timed out waiting for the scan; stopping the subscriber")
	}
	r.StopSticky(requestID)
}

func printResult(payload json.RawMessage) {
	var pretty map[string]any
	if err := json.Unmarshal(payload, &pretty); err != nil {
		fmt.Printf("✅ result: %s\n", string(payload))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("✅ result:\n%s\n", out)
}
