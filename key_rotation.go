package vaultfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// RotateReport summarizes a RotateAll run
type RotateReport struct {
	Rotated int
	Chunks  uint64
	Failed  []string
}

// OK reports whether every file was rotated
func (r *RotateReport) OK() bool { return len(r.Failed) == 0 }

// Rotate re-encrypts the file at path under a fresh nonce seed, which
// gives it a new chunk key and resets every chunk counter. This is how a
// file that hit ErrNonceExhausted is made writable again.
//
// The new version is written to a new node and swapped into the parent
// listing, so a crash leaves either the old or the new version reachable.
// The file must not be open for writing while it is rotated.
func (fs *VaultFS) Rotate(ctx context.Context, path string) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()

	ref, err := fs.resolveFile(ctx, "rotate", path)
	if err != nil {
		return err
	}
	if _, err := fs.rotate(ctx, JoinPath(mustSplit(path)...), ref); err != nil {
		return newPathError("rotate", path, err)
	}
	return nil
}

// RotateAll rotates every file below root. A file that fails is recorded
// and the walk continues; only listing and backend errors abort it.
func (fs *VaultFS) RotateAll(ctx context.Context, root string) (*RotateReport, error) {
	report := &RotateReport{}

	err := fs.Walk(ctx, root, func(p string, e Entry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}

		parts := mustSplit(p)
		parent, err := fs.v.resolveParent(ctx, parts)
		if err != nil {
			return err
		}
		ref := nodeRef{ID: e.ID, Kind: e.Kind, Parent: parent.ID, Name: parts[len(parts)-1]}

		n, err := fs.rotate(ctx, p, ref)
		if err != nil {
			if isIntegrityError(err) || errors.Is(err, ErrConflict) {
				report.Failed = append(report.Failed, p)
				return nil
			}
			return err
		}
		report.Rotated++
		report.Chunks += n
		return nil
	})
	if err != nil {
		return report, err
	}

	fs.v.log.Debug().
		Int("rotated", report.Rotated).
		Int("failed", len(report.Failed)).
		Msg("rotation finished")
	return report, nil
}

// rotate copies the file behind ref into a new node, relinks the parent
// entry and drops the old node. It returns the number of chunks copied.
func (fs *VaultFS) rotate(ctx context.Context, p string, ref nodeRef) (uint64, error) {
	v := fs.v

	src, err := newHandle(ctx, fs, p, ref.ID, ModeRead)
	if err != nil {
		return 0, err
	}

	id, err := v.allocateNodeID(ctx)
	if err != nil {
		return 0, err
	}
	hdr, err := newFileHeader(v.scheme, v.chunkSize)
	if err != nil {
		return 0, err
	}
	hdr.Length = src.header.Length
	dst, err := v.newFileCipher(id, hdr)
	if err != nil {
		return 0, err
	}

	count := CalculateChunkCount(int64(hdr.Length), v.chunkSize)
	indices := make([]uint64, count)
	for i := range indices {
		indices[i] = uint64(i)
	}

	// chunks first, header second, link last
	err = runChunkJobs(ctx, *v.cfg.Parallel, indices, func(ctx context.Context, idx uint64) error {
		pt, err := src.readVerified(ctx, idx, false)
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(pt)
		return v.writeChunk(ctx, dst, idx, pt)
	})
	if err == nil {
		err = v.writeFileHeader(ctx, id, hdr)
	}
	if err == nil {
		err = v.updateListing(ctx, ref.Parent, func(l *listing) error {
			cur, ok := l.lookup(ref.Name)
			if !ok || cur.ID != ref.ID {
				return fmt.Errorf("%s changed during rotation: %w", p, ErrConflict)
			}
			l.remove(ref.Name)
			return l.insert(Entry{Name: ref.Name, Kind: KindFile, ID: id})
		})
	}
	if err != nil {
		v.discardNode(id)
		return 0, err
	}

	loc := v.location(ref.ID)
	if err := v.be.RemoveAll(ctx, loc); err != nil {
		// the new version is linked; the old node is only garbage now
		v.log.Warn().Err(err).Msg("failed to remove rotated node")
	}
	v.log.Debug().Str("node", id.String()).Uint64("chunks", count).Msg("file rotated")
	return count, nil
}
