package channelbridge

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// MaxUploadBytes / MaxWriteBytes bound single-call transfer sizes, carried
// over from internal/terminal/sftp.go's limits.
const (
	MaxUploadBytes = 50 << 20 // 50 MB
	MaxWriteBytes  = 2 << 20  // 2 MB, consistent with a single text read
	progressChunk  = 256 << 10 // 256 KiB, per spec §4.7's streaming chunk size
)

// SFTP wraps an SFTP subsystem opened over an already-established SSH
// client. Grounded on internal/terminal/sftp.go's SFTPClient, generalized
// off its own private ssh.Client dial.
type SFTP struct {
	client *sftp.Client
}

// OpenSFTP opens the sftp subsystem on client.
func OpenSFTP(client *ssh.Client) (*SFTP, error) {
	c, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("channelbridge: open sftp subsystem: %w", err)
	}
	return &SFTP{client: c}, nil
}

// Close releases the SFTP subsystem. The underlying ssh.Client is not
// touched — it outlives this SFTP instance as the session's shared
// transport.
func (s *SFTP) Close() error { return s.client.Close() }

// Entry is a single file or directory entry returned by List.
type Entry struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"` // "file"|"dir"|"symlink"
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// List returns the contents of dir, idempotent by construction (a listing
// has no side effects).
func (s *SFTP) List(dir string) ([]Entry, error) {
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("channelbridge: list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:       fi.Name(),
			Type:       entryType(fi),
			Size:       fi.Size(),
			Mode:       fi.Mode().String(),
			ModifiedAt: fi.ModTime(),
		})
	}
	return entries, nil
}

func entryType(fi os.FileInfo) string {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return "symlink"
	case fi.IsDir():
		return "dir"
	default:
		return "file"
	}
}

// Stat returns metadata for a single path.
func (s *SFTP) Stat(p string) (Entry, error) {
	fi, err := s.client.Lstat(p)
	if err != nil {
		return Entry{}, fmt.Errorf("channelbridge: stat %s: %w", p, err)
	}
	return Entry{Name: path.Base(p), Type: entryType(fi), Size: fi.Size(), Mode: fi.Mode().String(), ModifiedAt: fi.ModTime()}, nil
}

// ReadFile reads up to maxBytes of remote file p.
func (s *SFTP) ReadFile(p string, maxBytes int64) ([]byte, error) {
	f, err := s.client.Open(p)
	if err != nil {
		return nil, fmt.Errorf("channelbridge: open %s: %w", p, err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxBytes))
}

// WriteFile writes data to remote file p, refusing anything over
// MaxWriteBytes.
func (s *SFTP) WriteFile(p string, data []byte) error {
	if int64(len(data)) > MaxWriteBytes {
		return fmt.Errorf("channelbridge: write %s exceeds %d bytes", p, MaxWriteBytes)
	}
	f, err := s.client.Create(p)
	if err != nil {
		return fmt.Errorf("channelbridge: create %s: %w", p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("channelbridge: write %s: %w", p, err)
	}
	return nil
}

// ProgressFunc receives cumulative bytes transferred for a streaming Upload.
type ProgressFunc func(bytesTransferred int64)

// Upload streams r into remote path p in progressChunk increments,
// refusing to let the total exceed MaxUploadBytes; a partial file is
// removed on overflow.
func (s *SFTP) Upload(p string, r io.Reader, onProgress ProgressFunc) (int64, error) {
	f, err := s.client.Create(p)
	if err != nil {
		return 0, fmt.Errorf("channelbridge: create %s: %w", p, err)
	}

	limited := io.LimitReader(r, MaxUploadBytes+1)
	var total int64
	buf := make([]byte, progressChunk)
	for {
		n, readErr := limited.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > MaxUploadBytes {
				f.Close()
				_ = s.client.Remove(p)
				return total, fmt.Errorf("channelbridge: upload %s exceeds %d bytes", p, MaxUploadBytes)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				_ = s.client.Remove(p)
				return total, fmt.Errorf("channelbridge: write %s: %w", p, werr)
			}
			if onProgress != nil {
				onProgress(total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			_ = s.client.Remove(p)
			return total, fmt.Errorf("channelbridge: read upload stream: %w", readErr)
		}
	}
	return total, f.Close()
}

// Mkdir creates dir, idempotently (an existing directory is not an error).
func (s *SFTP) Mkdir(dir string) error {
	if err := s.client.MkdirAll(dir); err != nil {
		return fmt.Errorf("channelbridge: mkdir %s: %w", dir, err)
	}
	return nil
}

// Rename moves oldPath to newPath.
func (s *SFTP) Rename(oldPath, newPath string) error {
	if err := s.client.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("channelbridge: rename %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Remove deletes p, dispatching to RemoveDirectory for a directory.
func (s *SFTP) Remove(p string) error {
	fi, err := s.client.Lstat(p)
	if err != nil {
		return fmt.Errorf("channelbridge: stat %s: %w", p, err)
	}
	if fi.IsDir() {
		if err := s.client.RemoveDirectory(p); err != nil {
			return fmt.Errorf("channelbridge: rmdir %s: %w", p, err)
		}
		return nil
	}
	if err := s.client.Remove(p); err != nil {
		return fmt.Errorf("channelbridge: remove %s: %w", p, err)
	}
	return nil
}

// Chmod sets p's permission bits.
func (s *SFTP) Chmod(p string, mode os.FileMode) error {
	if err := s.client.Chmod(p, mode); err != nil {
		return fmt.Errorf("channelbridge: chmod %s: %w", p, err)
	}
	return nil
}

// Chown sets p's numeric owner/group.
func (s *SFTP) Chown(p string, uid, gid int) error {
	if err := s.client.Chown(p, uid, gid); err != nil {
		return fmt.Errorf("channelbridge: chown %s: %w", p, err)
	}
	return nil
}

// Symlink creates newPath as a symlink to target.
func (s *SFTP) Symlink(target, newPath string) error {
	if err := s.client.Symlink(target, newPath); err != nil {
		return fmt.Errorf("channelbridge: symlink %s -> %s: %w", newPath, target, err)
	}
	return nil
}
