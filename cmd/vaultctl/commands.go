package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/vaultfs"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var ifAbsent bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new vault on the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			passphrase, err := readPassphrase(true)
			if err != nil {
				return err
			}
			defer clear(passphrase)

			opts, err := cfg.InitOptions(passphrase)
			if err != nil {
				return err
			}

			key, err := vaultfs.GenerateKeyMaterial()
			if err != nil {
				return err
			}
			defer key.Dispose()

			h, err := vaultfs.Initialize(ctx, s.be, key, opts)
			if errors.Is(err, vaultfs.ErrAlreadyInitialized) && ifAbsent {
				logger.Info().Str("backend", cfg.Backend.Type).Msg("vault already initialized")
				return nil
			}
			if err != nil {
				return err
			}

			logger.Info().
				Str("backend", cfg.Backend.Type).
				Str("scheme", h.Scheme).
				Uint32("chunk_size", h.ChunkSize).
				Str("kdf", string(h.KDF.Algorithm)).
				Msg("vault initialized")
			return nil
		},
	}

	cmd.Flags().BoolVar(&ifAbsent, "if-absent", false, "Succeed when a vault already exists")

	return cmd
}

func headerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "header",
		Short: "Show the vault header",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := mount(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			h := s.fs.Header()
			renderHeader(&h)
			return nil
		},
	}
}

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Create directories and any missing parents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			for _, p := range args {
				if err := s.fs.MkdirAll(ctx, p); err != nil {
					return err
				}
				logger.Info().Str("path", p).Msg("directory created")
			}
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "put <local-file> <vault-path>",
		Short: "Encrypt a local file into the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, dst := args[0], args[1]

			f, err := os.Open(src)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if parents {
				if err := s.fs.MkdirAll(ctx, path.Dir(dst)); err != nil {
					return err
				}
			}
			if err := s.fs.Create(ctx, dst, vaultfs.KindFile); err != nil && !errors.Is(err, vaultfs.ErrAlreadyExists) {
				return err
			}

			h, err := s.fs.OpenWrite(ctx, dst)
			if err != nil {
				return err
			}
			if err := h.Truncate(ctx, 0); err != nil {
				h.Close(ctx)
				return err
			}

			bar := newProgressBar(info.Size(), "encrypting")
			w := vaultfs.NewStream(ctx, h)
			if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			bar.Finish() //nolint:errcheck

			logger.Info().Str("path", dst).Str("size", readableSize(uint64(info.Size()))).Msg("file stored")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "Create missing parent directories")

	return cmd
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <vault-path> [local-file]",
		Short: "Decrypt a vault file to a local file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			h, err := s.fs.OpenRead(ctx, args[0])
			if err != nil {
				return err
			}
			defer h.Close(ctx)

			var out io.Writer = os.Stdout
			if len(args) == 2 && args[1] != "-" {
				f, err := os.OpenFile(args[1], os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				bar := newProgressBar(h.Size(), "decrypting")
				defer bar.Finish() //nolint:errcheck
				out = io.MultiWriter(f, bar)
			}

			n, err := io.Copy(out, vaultfs.NewStream(ctx, h))
			if err != nil {
				return err
			}
			logger.Debug().Str("path", args[0]).Int64("bytes", n).Msg("file read")
			return nil
		},
	}

	return cmd
}

func lsCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a vault directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root := "/"
			if len(args) == 1 {
				root = args[0]
			}

			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			var rows []vaultfs.FileInfo
			if recursive {
				first := true
				err = s.fs.Walk(ctx, root, func(p string, e vaultfs.Entry, err error) error {
					if err != nil {
						return err
					}
					if first {
						first = false
						return nil
					}
					info, err := s.fs.Stat(ctx, p)
					if err != nil {
						return err
					}
					rows = append(rows, info)
					return nil
				})
			} else {
				rows, err = listInfos(ctx, s.fs, root)
			}
			if err != nil {
				return err
			}

			renderList(rows)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "List subdirectories recursively")

	return cmd
}

func listInfos(ctx context.Context, fs *vaultfs.VaultFS, dir string) ([]vaultfs.FileInfo, error) {
	entries, err := fs.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	infos := make([]vaultfs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := fs.Stat(ctx, path.Join(dir, e.Name))
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func statCmd() *cobra.Command {
	var chunks bool

	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Show information about a vault path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			info, err := s.fs.Stat(ctx, args[0])
			if err != nil {
				return err
			}
			renderStat(info)

			if !chunks || info.IsDir() {
				return nil
			}
			n := vaultfs.CalculateChunkCount(info.Size, s.fs.ChunkSize())
			infos := make([]vaultfs.ChunkInfo, 0, n)
			for i := uint64(0); i < n; i++ {
				ci, err := s.fs.ChunkInfo(ctx, args[0], i)
				if err != nil {
					return err
				}
				infos = append(infos, ci)
			}
			renderChunks(infos)
			return nil
		},
	}

	cmd.Flags().BoolVar(&chunks, "chunks", false, "Show stored counter and nonce of every chunk")

	return cmd
}

func rmCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <path>...",
		Short: "Delete files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			for _, p := range args {
				if err := s.fs.Delete(ctx, p, recursive); err != nil {
					return err
				}
				logger.Info().Str("path", p).Msg("deleted")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Delete non-empty directories")

	return cmd
}

func mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dst>",
		Short: "Move or rename a vault path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.fs.Rename(ctx, args[0], args[1]); err != nil {
				return err
			}
			logger.Info().Str("from", args[0]).Str("to", args[1]).Msg("moved")
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [path]",
		Short: "Authenticate every listing, header and chunk below a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root := "/"
			if len(args) == 1 {
				root = args[0]
			}

			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			report, err := s.fs.Verify(ctx, root)
			if err != nil {
				return err
			}
			renderVerify(report)
			if !report.OK() {
				return fmt.Errorf("%d paths failed verification", len(report.Failed))
			}
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate [path]",
		Short: "Re-encrypt files under fresh chunk keys",
		Long: `Re-encrypts every file below path (default /) under a new nonce seed.
Each file gets a new chunk key and its write counters start over, which
makes files that reported nonce exhaustion writable again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root := "/"
			if len(args) == 1 {
				root = args[0]
			}

			s, err := mount(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			report, err := s.fs.RotateAll(ctx, root)
			if err != nil {
				return err
			}
			logger.Info().
				Int("files", report.Rotated).
				Uint64("chunks", report.Chunks).
				Msg("rotation finished")
			if !report.OK() {
				for _, p := range report.Failed {
					logger.Error().Str("path", p).Msg("rotation failed")
				}
				return fmt.Errorf("%d files could not be rotated", len(report.Failed))
			}
			return nil
		},
	}
}
