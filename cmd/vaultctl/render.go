package main

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/absfs/vaultfs"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/schollz/progressbar/v3"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatTitle
	t.Style().Format.HeaderAlign = text.AlignCenter
	t.Style().Color.Border = text.Colors{text.FgCyan}
	t.Style().Color.Separator = text.Colors{text.FgCyan}
	t.Style().Color.Header = text.Colors{text.FgMagenta}
	return t
}

func renderList(infos []vaultfs.FileInfo) {
	t := newTable()
	t.AppendHeader(table.Row{"Path", "Kind", "Size"})
	for _, fi := range infos {
		size := readableSize(uint64(fi.Size))
		kind := text.FgGreen.Sprint(fi.Kind.String())
		if fi.IsDir() {
			size = fmt.Sprintf("%d entries", fi.Size)
			kind = text.FgBlue.Sprint(fi.Kind.String())
		}
		t.AppendRow(table.Row{fi.Path, kind, size})
	}
	t.AppendFooter(table.Row{"", "Total", len(infos)})
	t.Render()
}

func renderStat(fi vaultfs.FileInfo) {
	t := newTable()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Path", fi.Path})
	t.AppendRow(table.Row{"Kind", fi.Kind.String()})
	t.AppendRow(table.Row{"Node ID", fi.ID.String()})
	if fi.IsDir() {
		t.AppendRow(table.Row{"Entries", fi.Size})
	} else {
		t.AppendRow(table.Row{"Size", fmt.Sprintf("%s (%d bytes)", readableSize(uint64(fi.Size)), fi.Size)})
	}
	t.Render()
}

func renderChunks(chunks []vaultfs.ChunkInfo) {
	t := newTable()
	t.AppendHeader(table.Row{"Index", "Counter", "Nonce", "Stored"})
	for _, c := range chunks {
		t.AppendRow(table.Row{c.Index, c.Counter, hex.EncodeToString(c.Nonce), readableSize(uint64(c.Size))})
	}
	t.Render()
}

func renderHeader(h *vaultfs.VaultHeader) {
	t := newTable()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Format version", h.FormatVersion})
	t.AppendRow(table.Row{"Scheme", h.Scheme})
	t.AppendRow(table.Row{"Chunk size", readableSize(uint64(h.ChunkSize))})
	t.AppendRow(table.Row{"KDF", string(h.KDF.Algorithm)})
	if h.KDF.Algorithm == vaultfs.KDFArgon2id {
		t.AppendRow(table.Row{"Argon2 memory", readableSize(uint64(h.KDF.Memory) * 1024)})
		t.AppendRow(table.Row{"Argon2 passes", h.KDF.Iterations})
	} else if h.KDF.Algorithm == vaultfs.KDFPBKDF2 {
		t.AppendRow(table.Row{"PBKDF2 iterations", h.KDF.Iterations})
	}
	t.AppendRow(table.Row{"Key check", hex.EncodeToString(h.KeyCheck)})
	t.AppendRow(table.Row{"Created at", formatTimestamp(h.CreatedAt)})
	t.Render()
}

func renderVerify(r *vaultfs.VerifyReport) {
	t := newTable()
	t.AppendHeader(table.Row{"Directories", "Files", "Chunks", "Failed"})
	failed := text.FgGreen.Sprint(0)
	if !r.OK() {
		failed = text.FgRed.Sprint(len(r.Failed))
	}
	t.AppendRow(table.Row{r.Dirs, r.Files, r.Chunks, failed})
	t.Render()

	if r.OK() {
		return
	}
	ft := newTable()
	ft.AppendHeader(table.Row{"Failed path"})
	for _, p := range r.Failed {
		ft.AppendRow(table.Row{text.FgRed.Sprint(p)})
	}
	ft.Render()
}

func newProgressBar(size int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowBytes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionClearOnFinish(),
	)
}

func formatTimestamp(ts int64) string {
	return time.Unix(ts, 0).Format("02 Jan 2006 15:04:05 MST")
}

func readableSize(bytes uint64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d bytes", bytes)
	}

	base := uint(bits.Len64(bytes) / 10)
	val := float64(bytes) / float64(uint64(1<<(base*10)))

	return fmt.Sprintf("%.1f %ciB", val, " KMGTPE"[base])
}
