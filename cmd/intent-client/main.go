// Package main is a small client for the sequencer: it encrypts swap
// intents to the enclave key, submits them through the host relay and
// checks attestation documents.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/confidential_sequencer/internal/httputil"
	"github.com/R3E-Network/confidential_sequencer/tee/attestation"
	"github.com/R3E-Network/confidential_sequencer/tee/envelope"
	"github.com/R3E-Network/confidential_sequencer/tee/intent"
)

const usage = `usage: intent-client <command> [flags]

commands:
  encrypt   encrypt an intent JSON file to an enclave public key
  submit    encrypt an intent with the relay's key and POST it to /swap
  attest    fetch and check an attestation document from the relay
  derive    print the public key and address of a private key
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "attest":
		err = runAttest(os.Args[2:])
	case "derive":
		err = runDerive(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

// readIntent loads and validates an intent from path, "-" meaning stdin.
func readIntent(path string) (*intent.SwapIntent, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read intent: %w", err)
	}
	return intent.Decode(data)
}

func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	pubHex := fs.String("pubkey", "", "Enclave public key (0x04... hex)")
	intentPath := fs.String("intent", "-", "Intent JSON file, - for stdin")
	_ = fs.Parse(args)

	if *pubHex == "" {
		fs.Usage()
		return fmt.Errorf("-pubkey is required")
	}
	pub, err := envelope.ParsePublicKeyHex(*pubHex)
	if err != nil {
		return err
	}
	si, err := readIntent(*intentPath)
	if err != nil {
		return err
	}
	env, err := envelope.Encrypt(si, pub)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, env)
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	host := fs.String("host", "http://127.0.0.1:8080", "Host relay base URL")
	intentPath := fs.String("intent", "-", "Intent JSON file, - for stdin")
	timeout := fs.Duration("timeout", 15*time.Second, "Request timeout")
	_ = fs.Parse(args)

	si, err := readIntent(*intentPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := httputil.NewClient(httputil.ClientConfig{BaseURL: *host, Timeout: *timeout})

	pubHex, err := fetchText(ctx, client, "/publickey")
	if err != nil {
		return fmt.Errorf("fetch public key: %w", err)
	}
	pub, err := envelope.ParsePublicKeyHex(pubHex)
	if err != nil {
		return err
	}

	env, err := envelope.Encrypt(si, pub)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	resp, err := client.Post(ctx, "/swap", raw)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runAttest(args []string) error {
	fs := flag.NewFlagSet("attest", flag.ExitOnError)
	host := fs.String("host", "http://127.0.0.1:8080", "Host relay base URL")
	nonceHex := fs.String("nonce", "", "Hex nonce (default: 32 random bytes)")
	out := fs.String("out", "", "Write the raw CBOR document to this file")
	timeout := fs.Duration("timeout", 15*time.Second, "Request timeout")
	_ = fs.Parse(args)

	if *nonceHex == "" {
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		*nonceHex = hex.EncodeToString(nonce)
	}
	nonce, err := hex.DecodeString(*nonceHex)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := httputil.NewClient(httputil.ClientConfig{BaseURL: *host, Timeout: *timeout})

	resp, err := client.Get(ctx, "/attest?nonce="+*nonceHex)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if *out != "" {
		if err := os.WriteFile(*out, raw, 0o644); err != nil {
			return err
		}
	}

	doc, err := attestation.ParseDocument(raw)
	if err != nil {
		return err
	}
	if !bytes.Equal(doc.Nonce, nonce) {
		return fmt.Errorf("document nonce %x does not match request", doc.Nonce)
	}

	pubHex, err := fetchText(ctx, client, "/publickey")
	if err != nil {
		return fmt.Errorf("fetch public key: %w", err)
	}
	pub, err := envelope.ParsePublicKeyHex(pubHex)
	if err != nil {
		return err
	}
	if !bytes.Equal(doc.PublicKey, crypto.FromECDSAPub(pub)) {
		return fmt.Errorf("document public key does not match /publickey")
	}

	// Simulated documents carry their raw signing key as the certificate.
	signature := "not checked (hardware certificate chain)"
	if simKey, err := crypto.UnmarshalPubkey(doc.Certificate); err == nil {
		if err := attestation.VerifySimulated(raw, simKey); err != nil {
			return err
		}
		signature = "valid (simulated)"
	}

	return writeJSON(os.Stdout, map[string]interface{}{
		"module_id":  doc.ModuleID,
		"timestamp":  doc.Timestamp,
		"pcr0":       hex.EncodeToString(doc.PCRs[0]),
		"public_key": pubHex,
		"address":    crypto.PubkeyToAddress(*pub).Hex(),
		"signature":  signature,
	})
}

func runDerive(args []string) error {
	fs := flag.NewFlagSet("derive", flag.ExitOnError)
	keyHex := fs.String("key", "", "secp256k1 private key hex")
	_ = fs.Parse(args)

	if *keyHex == "" {
		fs.Usage()
		return fmt.Errorf("-key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, map[string]string{
		"public_key": envelope.MarshalPublicKeyHex(&key.PublicKey),
		"address":    envelope.PubKeyToAddress(&key.PublicKey).Hex(),
	})
}

func fetchText(ctx context.Context, client *httputil.Client, path string) (string, error) {
	resp, err := client.Get(ctx, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := httputil.ReadAllStrict(resp.Body, 4096)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
