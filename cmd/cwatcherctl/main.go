// cwatcherctl is the operator's companion CLI for a cwatcher deployment:
// it validates configs, seals credentials for out-of-band provisioning,
// and scans SSH host keys for pinning.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cwatcher/backend/internal/config"
	"github.com/cwatcher/backend/internal/logging"
	"github.com/cwatcher/backend/internal/sshx"
	"github.com/cwatcher/backend/internal/vault"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	switch os.Args[1] {
	case "check-config":
		os.Exit(cmdCheckConfig(os.Args[2:]))
	case "encrypt-credential":
		os.Exit(cmdEncryptCredential())
	case "scan-hostkey":
		os.Exit(cmdScanHostKey(os.Args[2:]))
	case "version":
		fmt.Printf("cwatcherctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// usageText is a package var, not a const expression: the %s inside the
// examples is literal shell syntax, not a formatting directive, and vet's
// printf check only inspects constant arguments.
var usageText = `cwatcherctl v` + version + `

Usage: cwatcherctl <command> [flags]

Commands:
  check-config        Validate a config file plus environment overrides
  encrypt-credential  Seal a secret from stdin with the master key
  scan-hostkey        Fetch a server's SSH host key for pinning
  version             Print version

Environment:
  CWATCHER_MASTER_KEY  Vault master key (encrypt-credential)
  CWATCHER_*           Config overrides (check-config)

Examples:
  cwatcherctl check-config -config /etc/cwatcher/config.yaml
  printf '%s' "$PASSWORD" | cwatcherctl encrypt-credential
  cwatcherctl scan-hostkey -addr 10.0.0.8:22 -pin ~/.cwatcher/known_hosts`

func printUsage() {
	fmt.Println(usageText)
}

// ----------------------------------------------------------------
// check-config
// ----------------------------------------------------------------

func cmdCheckConfig(args []string) int {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	path := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}

	fmt.Printf("ok\n")
	fmt.Printf("  listen_addr         %s\n", cfg.ListenAddr)
	fmt.Printf("  collection_period   %s\n", cfg.CollectionPeriod())
	fmt.Printf("  sink                %s\n", cfg.Sink)
	fmt.Printf("  sample_ring         %d samples per metric\n", cfg.SampleRingCapacity)
	fmt.Printf("  ssh_max_per_server  %d\n", cfg.SSHMaxPerServer)
	if cfg.DatabaseURL == "" {
		fmt.Printf("  database_url        (unset, records in memory only)\n")
	}
	if cfg.MasterKey == "" {
		fmt.Printf("  master_key          (unset, daemon will refuse to start)\n")
	}
	return 0
}

// ----------------------------------------------------------------
// encrypt-credential
// ----------------------------------------------------------------

// cmdEncryptCredential seals stdin with the master key. The secret never
// appears in argv, so it stays out of shell history and process lists.
func cmdEncryptCredential() int {
	key := os.Getenv("CWATCHER_MASTER_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "CWATCHER_MASTER_KEY is not set")
		return 2
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
		return 1
	}
	plaintext := strings.TrimSuffix(strings.TrimSuffix(string(raw), "\n"), "\r")
	if plaintext == "" {
		fmt.Fprintln(os.Stderr, "stdin is empty; pipe the secret in")
		return 1
	}

	sealed, err := vault.New(key).EncryptString(plaintext)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
		return 1
	}
	fmt.Println(sealed)
	return 0
}

// ----------------------------------------------------------------
// scan-hostkey
// ----------------------------------------------------------------

func cmdScanHostKey(args []string) int {
	fs := flag.NewFlagSet("scan-hostkey", flag.ExitOnError)
	addr := fs.String("addr", "", "server address as host:port")
	timeout := fs.Duration("timeout", 10*time.Second, "connect timeout")
	pin := fs.String("pin", "", "known_hosts file to append the key to")
	_ = fs.Parse(args)

	if *addr == "" {
		fmt.Fprintln(os.Stderr, "-addr is required")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	key, err := sshx.ScanHostKey(ctx, *addr, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan %s: %v\n", *addr, err)
		return 1
	}

	fmt.Printf("%s fingerprint %s\n", *addr, ssh.FingerprintSHA256(key))
	fmt.Println(knownhosts.Line([]string{*addr}, key))

	if *pin != "" {
		hk, err := sshx.NewHostKeys(*pin, false, logging.New("warn", "console"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", *pin, err)
			return 1
		}
		if err := hk.Pin(*addr, key); err != nil {
			fmt.Fprintf(os.Stderr, "pin: %v\n", err)
			return 1
		}
		fmt.Printf("pinned into %s\n", *pin)
	}
	return 0
}
