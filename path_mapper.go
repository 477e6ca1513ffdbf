package vaultfs

import (
	"context"
	"errors"
	"fmt"
)

// nodeRef is a resolved path
type nodeRef struct {
	ID     NodeID
	Kind   NodeKind
	Parent NodeID // zero for the root
	Name   string
}

func (v *vault) rootRef() nodeRef {
	return nodeRef{ID: v.rootID, Kind: KindDir}
}

// resolve walks parts from the root one listing at a time
func (v *vault) resolve(ctx context.Context, parts []string) (nodeRef, error) {
	cur := v.rootRef()
	for _, name := range parts {
		if cur.Kind != KindDir {
			return nodeRef{}, ErrNotADirectory
		}
		l, _, err := v.readListing(ctx, cur.ID)
		if err != nil {
			return nodeRef{}, err
		}
		e, ok := l.lookup(name)
		if !ok {
			return nodeRef{}, ErrNotFound
		}
		cur = nodeRef{ID: e.ID, Kind: e.Kind, Parent: cur.ID, Name: name}
	}
	return cur, nil
}

// resolveParent resolves the directory that holds the last component
func (v *vault) resolveParent(ctx context.Context, parts []string) (nodeRef, error) {
	if len(parts) == 0 {
		return nodeRef{}, fmt.Errorf("%w: the root has no parent", ErrInvalidPath)
	}
	parent, err := v.resolve(ctx, parts[:len(parts)-1])
	if errors.Is(err, ErrNotFound) {
		return nodeRef{}, ErrParentNotFound
	}
	if err != nil {
		return nodeRef{}, err
	}
	if parent.Kind != KindDir {
		return nodeRef{}, ErrNotADirectory
	}
	return parent, nil
}

// listChildren returns the entries of a directory sorted by name
func (v *vault) listChildren(ctx context.Context, dirID NodeID) ([]Entry, error) {
	l, _, err := v.readListing(ctx, dirID)
	if err != nil {
		return nil, err
	}
	return l.entries(), nil
}

// createChild allocates a node, writes its initial data and then links it
// into the parent. Data is written before the link, so a crash leaves at
// worst an unreachable node, never a dangling entry.
func (v *vault) createChild(ctx context.Context, parentID NodeID, name string, kind NodeKind) (NodeID, error) {
	if err := ValidateName(name); err != nil {
		return NodeID{}, err
	}

	l, _, err := v.readListingForUpdate(ctx, parentID)
	if err != nil {
		return NodeID{}, err
	}
	if _, ok := l.lookup(name); ok {
		return NodeID{}, ErrAlreadyExists
	}

	id, err := v.allocateNodeID(ctx)
	if err != nil {
		return NodeID{}, err
	}

	switch kind {
	case KindDir:
		err = v.writeListing(ctx, id, &listing{})
	case KindFile:
		var h *FileHeader
		h, err = newFileHeader(v.scheme, v.chunkSize)
		if err == nil {
			err = v.writeFileHeader(ctx, id, h)
		}
	default:
		err = fmt.Errorf("%w: unknown node kind %d", ErrInvalidPath, kind)
	}
	if err != nil {
		v.discardNode(id)
		return NodeID{}, err
	}

	err = v.updateListing(ctx, parentID, func(l *listing) error {
		return l.insert(Entry{Name: name, Kind: kind, ID: id})
	})
	if err != nil {
		v.discardNode(id)
		return NodeID{}, err
	}

	v.log.Debug().Str("node", id.String()).Stringer("kind", kind).Msg("node created")
	return id, nil
}

// discardNode removes the data of a node that never got linked
func (v *vault) discardNode(id NodeID) {
	if err := v.be.RemoveAll(context.Background(), v.location(id)); err != nil {
		v.log.Warn().Err(err).Msg("failed to remove orphaned node")
	}
}

// removeChild unlinks name from the parent and then deletes the node data.
// A directory must be empty; its listing stays locked together with the
// parent from the emptiness check until its data is gone, so a create
// waiting on it finds the directory removed.
func (v *vault) removeChild(ctx context.Context, parentID NodeID, name string) (Entry, error) {
	var removed Entry

	err := v.retryListing(ctx, func() error {
		l, _, err := v.readListingForUpdate(ctx, parentID)
		if err != nil {
			return err
		}
		child, ok := l.lookup(name)
		if !ok {
			return ErrNotFound
		}

		var unlock func()
		if child.Kind == KindDir {
			unlock, err = lockPair(ctx, v.locker, listingLockKey(parentID), listingLockKey(child.ID))
		} else {
			unlock, err = v.locker.Lock(ctx, listingLockKey(parentID))
		}
		if err != nil {
			return err
		}
		defer unlock()

		if child.Kind == KindDir {
			cl, _, err := v.loadListing(ctx, child.ID)
			if errors.Is(err, errNoListing) {
				// removed by a concurrent Delete; the parent re-read reports it
				return errListingChanged
			}
			if err != nil {
				return err
			}
			if len(cl.Entries) > 0 {
				return ErrNotEmpty
			}
		}

		err = v.modifyListing(ctx, parentID, func(l *listing) error {
			cur, ok := l.lookup(name)
			if !ok || cur.ID != child.ID {
				return errListingChanged
			}
			removed, _ = l.remove(name)
			return nil
		})
		if err != nil {
			return err
		}

		loc := v.location(removed.ID)
		if err := v.be.RemoveAll(ctx, loc); err != nil {
			return NewIOError("remove", loc, err)
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	v.log.Debug().Str("node", removed.ID.String()).Msg("node removed")
	return removed, nil
}

// moveLockKey serializes cross-directory moves. They are the only
// operations that give a node new ancestors, so while it is held the
// ancestor chain of a directory cannot change.
const moveLockKey = "move"

// resolveDir resolves a directory and returns every node from the root
// down to it
func (v *vault) resolveDir(ctx context.Context, parts []string) ([]nodeRef, error) {
	chain := make([]nodeRef, 0, len(parts)+1)
	cur := v.rootRef()
	chain = append(chain, cur)
	for _, name := range parts {
		l, _, err := v.readListingForUpdate(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		e, ok := l.lookup(name)
		if !ok {
			return nil, ErrParentNotFound
		}
		if e.Kind != KindDir {
			return nil, ErrNotADirectory
		}
		cur = nodeRef{ID: e.ID, Kind: e.Kind, Parent: cur.ID, Name: name}
		chain = append(chain, cur)
	}
	return chain, nil
}

// rename moves the entry at srcParts to dstParts. Within one directory it
// is a single listing write. Across directories it runs under the move
// lock: both parents are resolved again, the destination must not lie
// below the moved node, and the destination entry is written before the
// source entry is deleted, so a crash in between leaves the node reachable
// from both names rather than from neither.
func (v *vault) rename(ctx context.Context, srcParts, dstParts []string) error {
	srcName := srcParts[len(srcParts)-1]
	dstName := dstParts[len(dstParts)-1]
	if err := ValidateName(dstName); err != nil {
		return err
	}

	srcParent, err := v.resolveParent(ctx, srcParts)
	if err != nil {
		return err
	}
	dstParent, err := v.resolveParent(ctx, dstParts)
	if err != nil {
		return err
	}
	if srcParent.ID == dstParent.ID {
		return v.renameInDir(ctx, srcParent.ID, srcName, dstName)
	}

	unlockMove, err := v.locker.Lock(ctx, moveLockKey)
	if err != nil {
		return err
	}
	defer unlockMove()

	if srcParent, err = v.resolveParent(ctx, srcParts); err != nil {
		return err
	}
	dstChain, err := v.resolveDir(ctx, dstParts[:len(dstParts)-1])
	if err != nil {
		return err
	}
	dstID := dstChain[len(dstChain)-1].ID
	if srcParent.ID == dstID {
		return v.renameInDir(ctx, dstID, srcName, dstName)
	}

	var moved Entry
	err = v.retryListing(ctx, func() error {
		unlock, err := lockPair(ctx, v.locker, listingLockKey(srcParent.ID), listingLockKey(dstID))
		if err != nil {
			return err
		}
		defer unlock()

		sl, _, err := v.readListingForUpdate(ctx, srcParent.ID)
		if err != nil {
			return err
		}
		e, ok := sl.lookup(srcName)
		if !ok {
			return ErrNotFound
		}
		for _, anc := range dstChain {
			if anc.ID == e.ID {
				return fmt.Errorf("%w: destination inside source", ErrInvalidPath)
			}
		}

		err = v.modifyListing(ctx, dstID, func(l *listing) error {
			e.Name = dstName
			return l.insert(e)
		})
		if err != nil {
			return err
		}
		moved = e
		return v.unlinkMoved(ctx, srcParent.ID, srcName, e.ID)
	})
	if err != nil {
		return err
	}

	v.log.Debug().Str("node", moved.ID.String()).Msg("node moved")
	return nil
}

func (v *vault) renameInDir(ctx context.Context, dirID NodeID, srcName, dstName string) error {
	return v.updateListing(ctx, dirID, func(l *listing) error {
		e, ok := l.lookup(srcName)
		if !ok {
			return ErrNotFound
		}
		if srcName == dstName {
			return nil
		}
		if _, ok := l.lookup(dstName); ok {
			return ErrAlreadyExists
		}
		l.remove(srcName)
		e.Name = dstName
		return l.insert(e)
	})
}

// unlinkMoved deletes the source entry of a cross-directory move. It is
// idempotent and retried on its own, since the destination already
// references the node.
func (v *vault) unlinkMoved(ctx context.Context, parentID NodeID, name string, id NodeID) error {
	for attempt := 1; attempt <= v.cfg.ListingRetries; attempt++ {
		err := v.modifyListing(ctx, parentID, func(l *listing) error {
			if cur, ok := l.lookup(name); ok && cur.ID == id {
				l.remove(name)
			}
			return nil
		})
		if !errors.Is(err, errListingChanged) {
			return err
		}
		v.log.Warn().Int("attempt", attempt).Msg("source listing changed during move, retrying")
	}
	return fmt.Errorf("move left source entry in place: %w", ErrConflict)
}
