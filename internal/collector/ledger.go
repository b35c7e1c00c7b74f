// Package collector assembles wallet snapshots from a loan ledger, on-chain
// holdings and market volatility.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mbd888/occr/internal/snapshot"
)

// Ledger supplies the loan, position and transfer history of a wallet.
type Ledger interface {
	Load(ctx context.Context, address string) (*snapshot.Input, error)
}

// FileLedger keeps one JSON snapshot input per wallet in a directory, named
// by lowercase address.
type FileLedger struct {
	dir string
}

// NewFileLedger creates a ledger rooted at dir.
func NewFileLedger(dir string) *FileLedger {
	return &FileLedger{dir: dir}
}

func (l *FileLedger) path(address string) string {
	return filepath.Join(l.dir, address+".json")
}

// Load reads the wallet's file. A wallet without a file has no history.
func (l *FileLedger) Load(_ context.Context, address string) (*snapshot.Input, error) {
	addr, err := snapshot.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	in, err := snapshot.LoadFile(l.path(addr))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &snapshot.Input{Address: addr}, nil
		}
		return nil, err
	}
	in.Address = addr
	return in, nil
}

// Save writes in to the wallet's file, replacing any previous content.
func (l *FileLedger) Save(_ context.Context, in *snapshot.Input) error {
	addr, err := snapshot.NormalizeAddress(in.Address)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}

	tmp, err := os.CreateTemp(l.dir, addr+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path(addr)); err != nil {
		return fmt.Errorf("replace ledger entry: %w", err)
	}
	return nil
}
