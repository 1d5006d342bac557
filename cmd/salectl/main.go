package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"halloffame/cmd/internal/passphrase"
	"halloffame/crypto"
	"halloffame/integrations/exports"
	"halloffame/storage/receipts"
)

const (
	defaultPassEnv  = "HOF_SIGNER_PASS"
	defaultKeystore = "signer.keystore"
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "keygen":
		err = runKeygen(args[1:], stdout, stderr)
	case "pubkey":
		err = runPubkey(args[1:], stdout, stderr)
	case "sign":
		err = runSign(args[1:], stdout, stderr)
	case "verify":
		err = runVerify(args[1:], stdout, stderr)
	case "export":
		err = runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 2
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: salectl <command> [flags]

Commands:
  keygen   generate an allowance signer key into an encrypted keystore
  pubkey   print the signer public key stored in a keystore
  sign     sign a TOML batch of buyer allowances
  verify   check an allowance signature against a public key
  export   export settlement receipts as csv, jsonl or parquet`)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runKeygen(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("keygen", stderr)
	keystorePath := fs.String("keystore", defaultKeystore, "Output path for the signer keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveSignerKey(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote keystore to %s\n", *keystorePath)
	fmt.Fprintf(stdout, "signer_pk: %s\n", key.PubKey().CompressedHex())
	fmt.Fprintf(stdout, "address:   %s\n", key.PubKey().Address())
	return nil
}

func runPubkey(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("pubkey", stderr)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the signer keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().CompressedHex())
	return nil
}

type allowanceBatch struct {
	Allowance []allowanceEntry `toml:"allowance"`
}

type allowanceEntry struct {
	Buyer     string `toml:"buyer" json:"buyer"`
	Permitted uint32 `toml:"permitted" json:"permitted"`
	Signature string `toml:"signature,omitempty" json:"signature"`
}

func runSign(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("sign", stderr)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the signer keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	batchPath := fs.String("batch", "", "TOML file with [[allowance]] entries")
	buyer := fs.String("buyer", "", "Sign a single allowance for this buyer instead of a batch")
	permitted := fs.Uint("permitted", 0, "Permitted amount for -buyer")
	format := fs.String("format", "toml", "Output format: toml or json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var entries []allowanceEntry
	switch {
	case *batchPath != "" && *buyer != "":
		return fmt.Errorf("-batch and -buyer are mutually exclusive")
	case *batchPath != "":
		var batch allowanceBatch
		if _, err := toml.DecodeFile(*batchPath, &batch); err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}
		entries = batch.Allowance
	case *buyer != "":
		if *permitted > uint(^uint32(0)) {
			return fmt.Errorf("permitted amount %d out of range", *permitted)
		}
		entries = []allowanceEntry{{Buyer: *buyer, Permitted: uint32(*permitted)}}
	default:
		fmt.Fprintln(stderr, "sign requires -batch or -buyer")
		return errUsage
	}
	if len(entries) == 0 {
		return fmt.Errorf("no allowances to sign")
	}
	for i, entry := range entries {
		if strings.TrimSpace(entry.Buyer) == "" {
			return fmt.Errorf("allowance %d: buyer required", i)
		}
	}

	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	for i := range entries {
		entries[i].Buyer = strings.TrimSpace(entries[i].Buyer)
		sig, err := crypto.SignAllowance(key, entries[i].Buyer, entries[i].Permitted)
		if err != nil {
			return fmt.Errorf("allowance %d: %w", i, err)
		}
		entries[i].Signature = sig
	}

	switch strings.ToLower(*format) {
	case "toml":
		return toml.NewEncoder(stdout).Encode(allowanceBatch{Allowance: entries})
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	default:
		return fmt.Errorf("unsupported format %q", *format)
	}
}

func runVerify(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("verify", stderr)
	pubkey := fs.String("pubkey", "", "Hex encoded compressed signer public key")
	buyer := fs.String("buyer", "", "Buyer account the allowance was issued to")
	permitted := fs.Uint("permitted", 0, "Permitted amount")
	signature := fs.String("signature", "", "Hex encoded r||s signature")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pubkey == "" || *buyer == "" || *signature == "" {
		fmt.Fprintln(stderr, "verify requires -pubkey, -buyer and -signature")
		return errUsage
	}
	if *permitted > uint(^uint32(0)) {
		return fmt.Errorf("permitted amount %d out of range", *permitted)
	}
	ok, err := crypto.VerifyAllowance(*pubkey, *signature, crypto.AllowanceMessage(*buyer, uint32(*permitted)))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signature does not match allowance %s", crypto.AllowanceMessage(*buyer, uint32(*permitted)))
	}
	fmt.Fprintln(stdout, "valid")
	return nil
}

func runExport(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export", stderr)
	driver := fs.String("driver", receipts.DriverSQLite, "Receipts database driver (sqlite or postgres)")
	dsn := fs.String("dsn", "", "Receipts database DSN")
	format := fs.String("format", "csv", "Output format: csv, jsonl or parquet")
	out := fs.String("out", "", "Output file (required for parquet, stdout otherwise)")
	buyer := fs.String("buyer", "", "Only export receipts for this buyer")
	since := fs.String("since", "", "Only export receipts settled at or after this RFC3339 time")
	until := fs.String("until", "", "Only export receipts settled before this RFC3339 time")
	limit := fs.Int("limit", 0, "Maximum number of receipts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		fmt.Fprintln(stderr, "export requires -dsn")
		return errUsage
	}

	filter := receipts.Filter{Buyer: strings.TrimSpace(*buyer), Limit: *limit}
	var err error
	if filter.Since, err = parseTime(*since); err != nil {
		return fmt.Errorf("invalid -since: %w", err)
	}
	if filter.Until, err = parseTime(*until); err != nil {
		return fmt.Errorf("invalid -until: %w", err)
	}

	store, err := receipts.Open(*driver, *dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := store.List(ctx, filter)
	if err != nil {
		return err
	}

	var (
		data     []byte
		checksum string
	)
	switch strings.ToLower(*format) {
	case "csv":
		data, checksum, err = exports.ReceiptsCSV(rows)
	case "jsonl":
		data, checksum, err = exports.ReceiptsJSONL(rows)
	case "parquet":
		if *out == "" {
			return fmt.Errorf("parquet export requires -out")
		}
		if err := exports.WriteReceiptsParquet(*out, rows); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "exported %d receipts to %s\n", len(rows), *out)
		return nil
	default:
		return fmt.Errorf("unsupported format %q", *format)
	}
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "exported %d receipts to %s (sha256 %s)\n", len(rows), *out, checksum)
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadSignerKey(path, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to load keystore: %w", err)
	}
	return key, nil
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(value))
}
