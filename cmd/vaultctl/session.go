package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/backend"
	"golang.org/x/term"
)

// PassphraseEnv lets scripts supply the passphrase without a terminal
const PassphraseEnv = "VAULTCTL_PASSPHRASE"

// readPassphrase returns the passphrase from PassphraseEnv or prompts for
// it. With confirm set the prompt is repeated and both entries must match.
func readPassphrase(confirm bool) ([]byte, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return []byte(p), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal for the passphrase prompt; set %s", PassphraseEnv)
	}

	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	p1, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("passphrase read failed: %w", err)
	}
	if len(p1) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if !confirm {
		return p1, nil
	}

	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	p2, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	defer clear(p2)
	if err != nil {
		clear(p1)
		return nil, fmt.Errorf("passphrase confirmation failed: %w", err)
	}
	if string(p1) != string(p2) {
		clear(p1)
		return nil, errors.New("passphrases do not match")
	}
	return p1, nil
}

// session is a mounted vault together with the resources behind it
type session struct {
	fs      *vaultfs.VaultFS
	be      backend.Backend
	closers []func() error
}

func (s *session) close() {
	if s.fs != nil {
		if err := s.fs.Close(); err != nil {
			logger.Warn().Err(err).Msg("vault close failed")
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("release failed")
		}
	}
}

// openBackend opens the configured backend and lock without mounting
func openBackend(ctx context.Context) (*session, error) {
	s := &session{}
	be, closeBe, err := cfg.OpenBackend(ctx)
	if err != nil {
		return nil, err
	}
	s.be = be
	s.closers = append(s.closers, closeBe)
	return s, nil
}

// mount opens the configured backend and mounts the vault with the
// passphrase-wrapped master key
func mount(ctx context.Context) (*session, error) {
	s, err := openBackend(ctx)
	if err != nil {
		return nil, err
	}

	locker, closeLock, err := cfg.OpenLocker(ctx)
	if err != nil {
		s.close()
		return nil, err
	}
	s.closers = append(s.closers, closeLock)

	passphrase, err := readPassphrase(false)
	if err != nil {
		s.close()
		return nil, err
	}
	defer clear(passphrase)

	mc := cfg.MountConfig(&logger)
	mc.Locker = locker
	fs, err := vaultfs.Mount(ctx, s.be, vaultfs.PassphraseLoader(s.be, passphrase), mc)
	if err != nil {
		s.close()
		if errors.Is(err, vaultfs.ErrNotInitialized) {
			return nil, fmt.Errorf("%w (run 'vaultctl init' first)", err)
		}
		return nil, err
	}
	s.fs = fs

	logger.Debug().
		Str("backend", cfg.Backend.Type).
		Str("vault", cfg.Vault.ID).
		Msg("vault mounted")
	return s, nil
}
