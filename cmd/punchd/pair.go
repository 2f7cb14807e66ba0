package main

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/punchd/punchd/internal/pairing"
)

func newPairCmd() *cobra.Command {
	var server string
	var size int

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Generate a pairing token and QR code for out-of-band exchange with a Connector operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("pair: --server is required")
			}
			return runPair(server, size)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "rendezvous server address, e.g. 203.0.113.1:9000")
	cmd.Flags().IntVar(&size, "size", 256, "QR code size in pixels (terminal display ignores this)")
	return cmd
}

func runPair(server string, size int) error {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return fmt.Errorf("pair: generate token: %w", err)
	}

	payload := pairing.Payload{Server: server, Token: token}

	fmt.Printf("pairing code: %s\n", payload.String())
	fmt.Printf("give this to the Connector operator, who runs:\n")
	fmt.Printf("  punchd connect <your-ipv4> --pair %s\n\n", payload.String())

	art, err := pairing.TerminalQRCode(payload)
	if err != nil {
		return fmt.Errorf("pair: render QR code: %w", err)
	}
	fmt.Println(art)
	return nil
}
