// Command ledger-verify re-walks the audit ledger of a configured store and
// checks its sequence numbers and hash chain.
package main

import (
	"context"
	"elogbook/internal/core"
	"elogbook/pkg/domain"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

var exitFunc = os.Exit

func main() {
	code := cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		envFile string
		driver  string
		path    string
	)
	fs.StringVar(&envFile, "env", ".env", "dotenv file loaded before reading the environment")
	fs.StringVar(&driver, "driver", "", "storage driver (default ELOGBOOK_STORAGE_DRIVER)")
	fs.StringVar(&path, "path", "", "sqlite file or file-store directory, depending on driver")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(stderr, "load %s: %v\n", envFile, err)
		return 2
	}
	cfg := core.StorageConfigFromEnv()
	if driver != "" {
		cfg.Driver = core.StorageDriver(driver)
	}
	if path != "" {
		switch cfg.Driver {
		case core.StorageFile:
			cfg.FileDir = path
		default:
			cfg.SQLitePath = path
		}
	}

	report, err := run(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Ledger verification failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "ledger ok: %d records, head seq %d hash %s\n", report.Records, report.HeadSeq, report.HeadHash)
	return 0
}

// Report summarizes a verified ledger.
type Report struct {
	Records  int
	HeadSeq  uint64
	HeadHash string
}

func run(ctx context.Context, cfg core.StorageConfig) (_ Report, err error) {
	store, closer, err := core.OpenStore(cfg, nil)
	if err != nil {
		return Report{}, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}()
	return verify(ctx, store)
}

func verify(ctx context.Context, store domain.PersistentStore) (Report, error) {
	var out Report
	err := store.View(ctx, func(v domain.TransactionView) error {
		records := v.ListAudit()
		domain.SortAuditBySeq(records)
		if err := domain.VerifyChain(records); err != nil {
			return err
		}
		out.Records = len(records)
		out.HeadSeq, out.HeadHash = v.LedgerHead()
		if n := len(records); n > 0 {
			last := records[n-1]
			if last.Seq != out.HeadSeq || last.Hash != out.HeadHash {
				return &domain.ChainError{Seq: out.HeadSeq, Reason: "ledger head does not match last record"}
			}
		} else if out.HeadSeq != 0 {
			return &domain.ChainError{Seq: out.HeadSeq, Reason: "ledger head set on an empty ledger"}
		}
		return nil
	})
	return out, err
}
