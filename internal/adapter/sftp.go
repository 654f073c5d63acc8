package adapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/vmgate/vmgate/internal/connection"
)

const sftpMaxUploadBytes = 50 << 20 // 50 MB

// SFTPSession wraps an SFTP subsystem opened over a dedicated SSH
// connection. It is a tracked session like any other adapter session.
type SFTPSession struct {
	sshClient  *cryptossh.Client
	sftpClient *sftp.Client
}

var _ connection.Session = (*SFTPSession)(nil)

// OpenSFTP dials SSH and opens the SFTP subsystem. The caller owns the
// session and must Close it.
func OpenSFTP(ctx context.Context, opts SSHOptions) (*SFTPSession, error) {
	client, err := dialSSH(ctx, opts)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, connection.NewProtocolRejected("opening sftp subsystem failed", err)
	}
	return &SFTPSession{sshClient: client, sftpClient: sc}, nil
}

func (s *SFTPSession) Close() error {
	_ = s.sftpClient.Close()
	return s.sshClient.Close()
}

// DirEntry is a single file or directory entry returned by ListDir.
type DirEntry struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"` // "file" | "dir" | "symlink"
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	ModifiedAt time.Time `json:"modified_at"`
}

func entryType(mode os.FileMode) string {
	switch {
	case mode&os.ModeSymlink != 0:
		return "symlink"
	case mode.IsDir():
		return "dir"
	default:
		return "file"
	}
}

// ListDir lists a remote directory.
func (s *SFTPSession) ListDir(dir string) ([]DirEntry, error) {
	infos, err := s.sftpClient.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("adapter: sftp list %s: %w", dir, err)
	}
	out := make([]DirEntry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, DirEntry{
			Name:       fi.Name(),
			Type:       entryType(fi.Mode()),
			Size:       fi.Size(),
			Mode:       fi.Mode().Perm().String(),
			ModifiedAt: fi.ModTime(),
		})
	}
	return out, nil
}

// Download streams a remote file into w.
func (s *SFTPSession) Download(remotePath string, w io.Writer) (int64, error) {
	f, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("adapter: sftp open %s: %w", remotePath, err)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("adapter: sftp download %s: %w", remotePath, err)
	}
	return n, nil
}

// Upload writes r to a remote file, creating parent directories as needed.
// Uploads larger than sftpMaxUploadBytes are rejected.
func (s *SFTPSession) Upload(remotePath string, r io.Reader) (int64, error) {
	if err := s.sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("adapter: sftp mkdir %s: %w", path.Dir(remotePath), err)
	}
	f, err := s.sftpClient.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("adapter: sftp create %s: %w", remotePath, err)
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(r, sftpMaxUploadBytes+1))
	if err != nil {
		return n, fmt.Errorf("adapter: sftp upload %s: %w", remotePath, err)
	}
	if n > sftpMaxUploadBytes {
		return n, connection.NewValidation("upload exceeds size limit", nil)
	}
	return n, nil
}

// Remove deletes a remote file or empty directory.
func (s *SFTPSession) Remove(remotePath string) error {
	fi, err := s.sftpClient.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("adapter: sftp stat %s: %w", remotePath, err)
	}
	if fi.IsDir() {
		err = s.sftpClient.RemoveDirectory(remotePath)
	} else {
		err = s.sftpClient.Remove(remotePath)
	}
	if err != nil {
		return fmt.Errorf("adapter: sftp remove %s: %w", remotePath, err)
	}
	return nil
}

// Rename moves a remote file or directory.
func (s *SFTPSession) Rename(oldPath, newPath string) error {
	if err := s.sftpClient.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("adapter: sftp rename %s: %w", oldPath, err)
	}
	return nil
}
