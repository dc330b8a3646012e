// Package binder maps public tunnel ids to real files through scoped
// symlinks: /tunnels/<id>/file -> /data/<path>. The public URL only
// ever carries the opaque id, never the real path.
package binder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgivc/filetunnel/internal/common"
	"github.com/jgivc/filetunnel/internal/config"
	"github.com/spf13/afero"
)

const (
	// linkName is the fixed symlink name inside every tunnel
	// directory, so the tail of the URL never leaks the file name.
	linkName = "file"

	dirPerm = 0o755
)

type binderAdapter struct {
	fs        afero.Fs
	dataDir   string
	tunnelDir string
	log       *slog.Logger
}

func NewBinderAdapter(cfg *config.TunnelConfig, fs afero.Fs, log *slog.Logger) *binderAdapter {
	return &binderAdapter{
		fs:        fs,
		dataDir:   cfg.DataDir,
		tunnelDir: cfg.TunnelDir,
		log:       log.With(slog.String("item", "BinderAdapter")),
	}
}

// Bind creates the per-tunnel directory and links the fixed name to
// the real file.
func (b *binderAdapter) Bind(id, filePath string) error {
	linker, ok := b.fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("filesystem does not support symlinks")
	}

	dir := filepath.Join(b.tunnelDir, id)
	if err := b.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("cannot create tunnel dir %s: %w", dir, err)
	}

	link := filepath.Join(dir, linkName)
	if err := b.fs.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove stale link %s: %w", link, err)
	}

	source := b.resolve(filePath)
	if err := linker.SymlinkIfPossible(source, link); err != nil {
		return fmt.Errorf("cannot link %s -> %s: %w", link, source, err)
	}

	b.log.Debug("Created tunnel link", slog.String("link", link), slog.String("source", source))

	return nil
}

// Unbind removes the whole tunnel directory.
func (b *binderAdapter) Unbind(id string) error {
	dir := filepath.Join(b.tunnelDir, id)

	if err := b.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("cannot remove tunnel dir %s: %w", dir, err)
	}

	b.log.Debug("Removed tunnel dir", slog.String("dir", dir))

	return nil
}

// FileSize reports the size of the bound target. The size heuristic
// depends on it; a missing or non-regular target is a rejection.
func (b *binderAdapter) FileSize(filePath string) (int64, error) {
	info, err := b.fs.Stat(b.resolve(filePath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, common.ErrFileNotFoundError
		}

		return 0, fmt.Errorf("cannot stat file %s: %w", filePath, err)
	}

	if info.IsDir() {
		return 0, common.ErrFileNotFoundError
	}

	return info.Size(), nil
}

func (b *binderAdapter) resolve(filePath string) string {
	return filepath.Join(b.dataDir, strings.TrimPrefix(filePath, "/"))
}
