// Command pushrelay is a small client for the relay: it checks server
// compatibility and can watch a channel from the terminal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/keys"
	"github.com/pushrelay/pushrelay/internal/protocol"
	"github.com/pushrelay/pushrelay/internal/transport"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "test server connectivity and compatibility")
	address := flag.String("url", os.Getenv("PUSHRELAY_URL"), "relay server URL")
	sendBody := flag.String("send", "", "publish the given text on a fresh channel and wait for the echo")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("pushrelay %s\n", transport.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *address == "" {
		fmt.Fprintln(os.Stderr, "no server URL; pass -url or set PUSHRELAY_URL")
		os.Exit(2)
	}

	if *runCheck {
		os.Exit(runServerCheck(*address))
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	if *sendBody != "" {
		os.Exit(runEcho(log, *address, *sendBody))
	}

	printUsage()
	os.Exit(2)
}

func printUsage() {
	fmt.Printf(`Usage: pushrelay [options]

pushrelay %s - client for a pushrelay notification server.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Test server connectivity and compatibility
  --url URL       Relay server URL (or PUSHRELAY_URL)
  --send TEXT     Publish TEXT on a fresh channel and wait for the echo

Environment variables:
  PUSHRELAY_URL   Relay server URL, e.g. https://notify.example.com
`, transport.Version)
}

func runServerCheck(address string) int {
	fmt.Println("Checking server...")
	fmt.Println()

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimSuffix(address, "/")

	start := time.Now()
	resp, err := client.Get(base + "/")
	latency := time.Since(start)
	if err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}
	var info protocol.ServerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		fmt.Printf("❌ Unexpected response: %s\n", strings.TrimSpace(string(body)))
		return 1
	}
	fmt.Printf("✓ Server OK (latency: %dms)\n", latency.Milliseconds())
	fmt.Printf("  Server:    %s\n", info.Server)
	fmt.Printf("  Version:   %s\n", info.Version)
	fmt.Println()

	fmt.Print("Checking compatibility... ")
	u := base + "/compatible?version=" + url.QueryEscape(transport.Version)
	resp2, err := client.Get(u)
	if err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return 1
	}
	defer resp2.Body.Close()
	var compatible bool
	if err := json.NewDecoder(resp2.Body).Decode(&compatible); err != nil || !compatible {
		fmt.Printf("❌ Incompatible (client %s, server %s)\n", transport.Version, info.Version)
		return 1
	}
	fmt.Println("✓ Compatible")
	return 0
}

// runEcho exercises the full path: open a socket, subscribe a fresh channel,
// publish on it and wait for the relay to push the message back.
func runEcho(log zerolog.Logger, address, text string) int {
	channel, err := keys.NewChannel()
	if err != nil {
		log.Error().Err(err).Msg("cannot create channel")
		return 1
	}

	received := make(chan protocol.EncryptedMessage, 1)
	t := transport.New(transport.Options{
		Address:    address,
		Foreground: true,
		Log:        log,
		Handler: func(message protocol.EncryptedMessage) {
			received <- message
		},
	})
	defer t.Destroy()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := t.AwaitState(ctx, transport.StateSocket); err != nil {
		log.Error().Err(err).Msg("cannot reach server")
		return 1
	}

	pushToken := fmt.Sprintf("ExpoPushToken[cli-%d]", os.Getpid())
	results := t.Subscribe(ctx, pushToken, []transport.Receiver{
		{IDBase64: channel.IDBase64(), Sender: channel.Sender},
	})
	if len(results) != 1 || !results[0] {
		log.Error().Msg("subscription refused")
		return 1
	}

	ids, err := t.Send(ctx, channel, []byte(text))
	if err != nil {
		log.Error().Err(err).Msg("send failed")
		return 1
	}
	log.Info().Strs("tickets", ids).Msg("message sent")

	select {
	case message := <-received:
		fmt.Printf("received: %s (id %s)\n", message.BodyBase64, message.IDBase64)
		return 0
	case <-ctx.Done():
		log.Error().Msg("no echo received")
		return 1
	}
}
