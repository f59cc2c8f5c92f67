package devicestore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

var _ port.CartSlot = (*FileSlot)(nil)

const (
	slotExt = ".json"

	// Owners too long for a base64 file name get a hashed one.
	maxFileNameLen = 255
	hashedPrefix   = "~"
)

// A FileSlot keeps each device cart in its own file under dir.
//
// Several processes may share dir; each one is told about the others'
// writes through Watch.
type FileSlot struct {
	dir string

	mu      sync.Mutex
	written map[string][sha256.Size]byte
	hashed  map[string]string // hashed file name to owner
}

func NewFileSlot(dir string) (*FileSlot, error) {
	const op = "NewFileSlot"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &FileSlot{
		dir:     dir,
		written: make(map[string][sha256.Size]byte),
		hashed:  make(map[string]string),
	}, nil
}

func (s *FileSlot) Load(
	ctx context.Context, owner string,
) (domain.Lines, error) {
	const op = "FileSlot.Load"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	data, err := os.ReadFile(s.path(owner))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return decodeOrReset(op, owner, data), nil
}

func (s *FileSlot) Save(
	ctx context.Context, owner string, ls domain.Lines,
) error {
	const op = "FileSlot.Save"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	data, err := encodeLines(ls)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	name := s.fileName(owner)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.written[name] = sha256.Sum256(data)

	if err := s.writeFile(name, data); err != nil {
		delete(s.written, name)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *FileSlot) Watch(ctx context.Context, fn func(owner string)) error {
	const op = "FileSlot.Watch"
	log := slog.With("op", op)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Error("failed to close watcher", "err", err)
		}
	}()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("watching device carts", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if owner, ok := s.externalChange(evt); ok {
				fn(owner)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("watcher error", "err", err)
		}
	}
}

// externalChange reports the owner of a slot changed by another writer.
func (s *FileSlot) externalChange(evt fsnotify.Event) (string, bool) {
	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) &&
		!evt.Has(fsnotify.Remove) && !evt.Has(fsnotify.Rename) {
		return "", false
	}

	name := filepath.Base(evt.Name)
	owner, ok := s.ownerFromFile(name)
	if !ok {
		return "", false
	}

	data, err := os.ReadFile(evt.Name)
	if err != nil {
		// removed or renamed away by someone else
		return owner, errors.Is(err, fs.ErrNotExist)
	}

	s.mu.Lock()
	own, seen := s.written[name]
	s.mu.Unlock()

	if seen && own == sha256.Sum256(data) {
		return "", false
	}
	return owner, true
}

func (s *FileSlot) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".cart-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}

func (s *FileSlot) path(owner string) string {
	return filepath.Join(s.dir, s.fileName(owner))
}

func (s *FileSlot) fileName(owner string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(owner)) + slotExt
	if len(name) <= maxFileNameLen {
		return name
	}

	sum := sha256.Sum256([]byte(owner))
	name = hashedPrefix + hex.EncodeToString(sum[:]) + slotExt

	s.mu.Lock()
	s.hashed[name] = owner
	s.mu.Unlock()
	return name
}

// ownerFromFile maps a slot file name back to its owner. A hashed name
// is only known once this process has used its owner.
func (s *FileSlot) ownerFromFile(name string) (string, bool) {
	enc, ok := strings.CutSuffix(name, slotExt)
	if !ok || strings.HasPrefix(name, ".") {
		return "", false
	}

	if strings.HasPrefix(name, hashedPrefix) {
		s.mu.Lock()
		owner, ok := s.hashed[name]
		s.mu.Unlock()
		return owner, ok
	}

	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", false
	}
	return string(b), true
}
