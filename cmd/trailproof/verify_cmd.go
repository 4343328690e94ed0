package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/trailproof/core/pkg/packet"
)

// runVerifyCmd verifies an exported manifest: the merkle root over its
// items, and optionally the ed25519 signature when a public key is given.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pubKeyHex := fs.String("pubkey", "", "hex-encoded ed25519 public key to check the manifest signature")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: trailproof verify [-pubkey <hex>] <manifest.json>")
		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read failed: %v\n", err)
		return 1
	}

	var m packet.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		_, _ = fmt.Fprintf(stderr, "manifest parse failed: %v\n", err)
		return 1
	}

	if err := packet.VerifyManifest(&m); err != nil {
		_, _ = fmt.Fprintf(stderr, "FAIL: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "merkle root OK (%d items): %s\n", len(m.Items), m.MerkleRoot)

	if *pubKeyHex != "" {
		raw, err := hex.DecodeString(*pubKeyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			_, _ = fmt.Fprintln(stderr, "invalid public key")
			return 2
		}
		if m.Signature == "" {
			_, _ = fmt.Fprintln(stderr, "FAIL: manifest carries no signature")
			return 1
		}
		if !packet.VerifySignature(ed25519.PublicKey(raw), m.MerkleRoot, m.Signature) {
			_, _ = fmt.Fprintln(stderr, "FAIL: signature does not verify")
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "signature OK")
	}
	return 0
}
