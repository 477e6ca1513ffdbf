package vaultfs

import (
	"context"
	"errors"
	"io/fs"
	"path"

	"github.com/awnumar/memguard"
)

// WalkFunc is called for every path visited by Walk. When a directory
// listing cannot be read, fn is called a second time for that directory
// with the error. Returning fs.SkipDir skips the directory, fs.SkipAll
// ends the walk, and any other error aborts it.
type WalkFunc func(path string, e Entry, err error) error

// Walk visits root and everything below it in lexical order
func (vfs *VaultFS) Walk(ctx context.Context, root string, fn WalkFunc) error {
	done, err := vfs.enter()
	if err != nil {
		return err
	}
	defer done()

	parts, err := SplitPath(root)
	if err != nil {
		return newPathError("walk", root, err)
	}
	ref, err := vfs.v.resolve(ctx, parts)
	if err != nil {
		return newPathError("walk", root, err)
	}

	e := Entry{Name: ref.Name, Kind: ref.Kind, ID: ref.ID}
	if len(parts) == 0 {
		e.Name = "/"
	}
	err = vfs.walk(ctx, JoinPath(parts...), e, fn)
	if errors.Is(err, fs.SkipDir) || errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

func (vfs *VaultFS) walk(ctx context.Context, p string, e Entry, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(p, e, nil); err != nil || !e.IsDir() {
		if errors.Is(err, fs.SkipDir) && e.IsDir() {
			return nil
		}
		return err
	}

	children, err := vfs.v.listChildren(ctx, e.ID)
	if err != nil {
		if err := fn(p, e, err); err != nil {
			if errors.Is(err, fs.SkipDir) {
				return nil
			}
			return err
		}
		return nil
	}

	for _, c := range children {
		if err := vfs.walk(ctx, path.Join(p, c.Name), c, fn); err != nil {
			if errors.Is(err, fs.SkipDir) && !c.IsDir() {
				// SkipDir on a file skips the rest of its directory
				return nil
			}
			return err
		}
	}
	return nil
}

// VerifyReport summarizes a Verify run
type VerifyReport struct {
	Files  int
	Dirs   int
	Chunks uint64
	Failed []string // paths whose listing, header or chunks failed to authenticate
}

// OK reports whether every visited node verified
func (r *VerifyReport) OK() bool { return len(r.Failed) == 0 }

// Verify decrypts every listing, file header and chunk below root.
// Authentication and corruption failures are collected in the report;
// backend errors and cancellation abort the run.
func (vfs *VaultFS) Verify(ctx context.Context, root string) (*VerifyReport, error) {
	report := &VerifyReport{}

	err := vfs.Walk(ctx, root, func(p string, e Entry, err error) error {
		if err != nil {
			if isIntegrityError(err) {
				report.Failed = append(report.Failed, p)
				return nil
			}
			return err
		}
		if e.IsDir() {
			report.Dirs++
			return nil
		}

		report.Files++
		n, err := vfs.verifyFile(ctx, p, e.ID)
		report.Chunks += n
		if err != nil {
			if isIntegrityError(err) {
				report.Failed = append(report.Failed, p)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	if len(report.Failed) > 0 {
		vfs.v.log.Warn().Int("failed", len(report.Failed)).Msg("verify found damaged nodes")
	}
	return report, nil
}

func (vfs *VaultFS) verifyFile(ctx context.Context, p string, id NodeID) (uint64, error) {
	h, err := newHandle(ctx, vfs, p, id, ModeRead)
	if err != nil {
		return 0, err
	}
	defer h.cache.Reset()

	count := CalculateChunkCount(int64(h.header.Length), vfs.v.chunkSize)
	for idx := uint64(0); idx < count; idx++ {
		if err := ctx.Err(); err != nil {
			return idx, err
		}
		pt, err := h.readVerified(ctx, idx, false)
		if err != nil {
			return idx, err
		}
		memguard.WipeBytes(pt)
	}
	return count, nil
}

func isIntegrityError(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrVaultCorrupt)
}
