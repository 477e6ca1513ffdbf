package vaultfs

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NodeID identifies a file or directory node. IDs are random and never
// reused; a node keeps its ID across renames.
type NodeID [16]byte

// String returns the hex form of the ID
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero ID
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func nodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != len(id) {
		return id, fmt.Errorf("node id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Backend entry names below a node location
const (
	listingEntryName = "dir.listing"
	headerEntryName  = "file.header"
	chunkEntrySuffix = ".chunk"
)

// maxIDAttempts bounds the collision retry loop in allocateNodeID
const maxIDAttempts = 8

var locationEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// location maps a node ID to its backend directory. The ID is sealed with
// the name key before hashing so the layout reveals nothing about IDs or
// tree shape.
func (v *vault) location(id NodeID) string {
	sealed, err := v.names.Encrypt(id[:], []byte("node"))
	if err != nil {
		// SIV encryption of a fixed-size input does not fail
		panic(fmt.Sprintf("vaultfs: sealing node id: %v", err))
	}
	sum := sha256.Sum256(sealed)
	enc := strings.ToLower(locationEncoding.EncodeToString(sum[:20]))
	return "n/" + enc[:2] + "/" + enc[2:]
}

func (v *vault) listingName(id NodeID) string {
	return v.location(id) + "/" + listingEntryName
}

func (v *vault) headerName(id NodeID) string {
	return v.location(id) + "/" + headerEntryName
}

func (v *vault) chunkName(id NodeID, index uint64) string {
	return fmt.Sprintf("%s/%016x%s", v.location(id), index, chunkEntrySuffix)
}

// allocateNodeID draws a fresh random ID whose location is unused
func (v *vault) allocateNodeID(ctx context.Context) (NodeID, error) {
	for i := 0; i < maxIDAttempts; i++ {
		u, err := uuid.NewRandom()
		if err != nil {
			return NodeID{}, fmt.Errorf("failed to generate node id: %w", err)
		}
		id := NodeID(u)

		names, err := v.be.List(ctx, v.location(id))
		if err != nil {
			return NodeID{}, NewIOError("list", v.location(id), err)
		}
		if len(names) == 0 {
			return id, nil
		}
		v.log.Warn().Msg("node id collision, drawing a new id")
	}
	return NodeID{}, fmt.Errorf("failed to allocate node id after %d attempts", maxIDAttempts)
}
