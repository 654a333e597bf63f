package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// DefaultDepth is the number of hash bytes used as nested directory names.
const DefaultDepth = 2

// FilesystemOptions configures a FilesystemStore.
type FilesystemOptions struct {
	Root   string
	Depth  int
	Logger *logrus.Logger
}

// FilesystemStore keeps each blob in its own file under a directory tree
// sharded by the leading bytes of the hash.
type FilesystemStore struct {
	rootPath string
	depth    int
	logger   *logrus.Logger
}

// NewFilesystemStore creates a new filesystem blob store
func NewFilesystemStore(opts FilesystemOptions) (*FilesystemStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Root == "" {
		return nil, NewError("InvalidRoot", "Filesystem blob store requires a root path")
	}
	if opts.Depth <= 0 {
		opts.Depth = DefaultDepth
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, NewErrorWithCause("CreateRootDir", "Failed to create root directory", err)
	}

	return &FilesystemStore{
		rootPath: opts.Root,
		depth:    opts.Depth,
		logger:   opts.Logger,
	}, nil
}

// blobPath maps a hash to root/ab/cd/abcd....
func (s *FilesystemStore) blobPath(hash store.BlobHash) string {
	name := hash.String()
	parts := make([]string, 0, s.depth+2)
	parts = append(parts, s.rootPath)
	for i := 0; i < s.depth && i < store.BlobHashLen; i++ {
		parts = append(parts, name[i*2:i*2+2])
	}
	parts = append(parts, name)
	return filepath.Join(parts...)
}

// PutBlob implements Backend.
func (s *FilesystemStore) PutBlob(ctx context.Context, hash store.BlobHash, data []byte) error {
	fullPath := s.blobPath(hash)

	// Blobs are content addressed, an existing file already holds data.
	if info, err := os.Stat(fullPath); err == nil && info.Size() == int64(len(data)) {
		return nil
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return store.Internal(NewErrorWithCause("CreateDirectory", "Failed to create directory", err), "failed to store blob")
	}

	tempPath := filepath.Join(dir, ".tmp_"+uuid.NewString())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return store.Internal(NewErrorWithCause("CreateTempFile", "Failed to create temporary file", err), "failed to store blob")
	}
	defer os.Remove(tempPath)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return store.Internal(NewErrorWithCause("WriteData", "Failed to write data", err), "failed to store blob")
	}
	if err := tempFile.Close(); err != nil {
		return store.Internal(NewErrorWithCause("WriteData", "Failed to flush data", err), "failed to store blob")
	}

	// Atomic move
	if err := os.Rename(tempPath, fullPath); err != nil {
		return store.Internal(NewErrorWithCause("AtomicMove", "Failed to move file to final location", err), "failed to store blob")
	}

	s.logger.WithFields(logrus.Fields{
		"hash": hash.String(),
		"size": len(data),
	}).Debug("Blob written to filesystem")
	return nil
}

// GetBlob implements Backend.
func (s *FilesystemStore) GetBlob(ctx context.Context, hash store.BlobHash, offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, ErrInvalidRange
	}
	file, err := os.Open(s.blobPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Internal(NewErrorWithCause("OpenFile", "Failed to open file", err), "failed to read blob")
	}
	defer file.Close()

	if offset == 0 && length < 0 {
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, store.Internal(err, "failed to read blob")
		}
		return data, nil
	}

	info, err := file.Stat()
	if err != nil {
		return nil, store.Internal(NewErrorWithCause("StatFile", "Failed to stat file", err), "failed to read blob")
	}
	size := info.Size()
	if offset >= size {
		return []byte{}, nil
	}
	if length < 0 || offset+length > size {
		length = size - offset
	}

	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, store.Internal(err, "failed to read blob range")
	}
	return buf, nil
}

// DeleteBlob implements Backend.
func (s *FilesystemStore) DeleteBlob(ctx context.Context, hash store.BlobHash) error {
	err := os.Remove(s.blobPath(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return store.Internal(NewErrorWithCause("DeleteFile", "Failed to delete file", err), "failed to delete blob")
	}
	return nil
}

// Usage reports disk usage of the filesystem holding the blob root.
func (s *FilesystemStore) Usage() (*disk.UsageStat, error) {
	usage, err := disk.Usage(s.rootPath)
	if err != nil {
		return nil, NewErrorWithCause("DiskUsage", "Failed to read disk usage", err)
	}
	return usage, nil
}

// Root returns the blob root directory.
func (s *FilesystemStore) Root() string {
	return s.rootPath
}

// Close is a no-op for the filesystem backend.
func (s *FilesystemStore) Close() error {
	return nil
}

var _ Backend = (*FilesystemStore)(nil)
