// Package vaultfs is an encrypted virtual filesystem. It presents a
// plaintext tree of files and directories while every byte it stores on
// the underlying backend is authenticated ciphertext.
//
// # Overview
//
// A vault lives on a backend.Backend (local disk or any absfs.FileSystem,
// memfs, S3, or a SQL table). It is described by one header entry, and
// every directory and file is a node addressed by a random identifier:
//
//	vault.header                 CBOR vault header, MAC'd with the master key
//	n/<xx>/<rest>/dir.listing    sealed CBOR listing of a directory
//	n/<xx>/<rest>/file.header    sealed file header (length, nonce seed)
//	n/<xx>/<rest>/<index>.chunk  one sealed chunk of file content
//
// Node locations are derived from the identifier with a keyed SIV, so
// neither plaintext names nor the shape of the tree appear on the backend.
// Renaming only rewrites parent listings; content is never re-encrypted.
//
// # Cipher Schemes
//
//   - SIV-GCM: AES-SIV for name mapping and key wrapping, AES-256-GCM for
//     listings, headers and chunks
//   - SIV-ChaCha: AES-SIV for names, ChaCha20-Poly1305 for content
//
// # Basic Usage
//
//	be, _ := backend.NewDisk("/srv/vault")
//
//	// Create a vault whose master key is wrapped with a passphrase
//	key, _ := vaultfs.GenerateKeyMaterial()
//	_, err := vaultfs.Initialize(ctx, be, key, vaultfs.InitOptions{
//	    Passphrase: []byte("correct horse battery staple"),
//	})
//	key.Dispose()
//
//	// Mount it later from the passphrase alone
//	vfs, err := vaultfs.Mount(ctx, be, vaultfs.PassphraseLoader(be, pass), nil)
//	defer vfs.Close()
//
//	vfs.MkdirAll(ctx, "/docs")
//	vfs.WriteFile(ctx, "/docs/plan.txt", []byte("..."))
//
// # Chunks and Nonces
//
// File content is split into fixed-size chunks chosen at vault creation.
// Each chunk is sealed under a per-file key derived from the content key
// and the file's random seed. The nonce is the chunk index followed by a
// per-chunk write counter stored in clear next to the ciphertext; the
// counter grows on every rewrite, so a (key, nonce) pair is never reused.
// The additional data binds the file identifier and chunk index, which
// makes swapping chunks between positions or files detectable.
//
// The plaintext length lives in the authenticated file header, not in the
// backend size, and is written only after every chunk it covers. A
// truncated or cancelled flush therefore never exposes a length that is
// not backed by verified chunks.
//
// # Concurrency
//
// Different files need no coordination. Listing updates are serialized per
// directory by a Locker and checked compare-and-swap style before they are
// written back; conflicting updates are retried and then reported as
// ErrConflict. Use redislock for vaults shared by several processes.
//
// # Security Considerations
//
// Not protected against:
//   - Rollback of the whole backend to an older consistent state
//   - Memory dumps of a running process holding a mounted vault
//   - Leakage of file sizes rounded to the chunk size and of access patterns
package vaultfs
