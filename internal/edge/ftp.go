package edge

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// FTPConfig configures uploads to an FTP server.
type FTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	BasePath string
	Timeout  time.Duration
}

func FTPConfigFromSettings(s *conf.EdgeSettings) *FTPConfig {
	return &FTPConfig{
		Host:     s.FTP.Host,
		Port:     s.FTP.Port,
		Username: s.FTP.Username,
		Password: s.FTP.Password,
		BasePath: s.FTP.Path,
		Timeout:  s.FTP.Timeout,
	}
}

// Address returns host:port.
func (c *FTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ftpConn is the part of *ftp.ServerConn the uploader uses.
type ftpConn interface {
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Rename(from, to string) error
	Delete(path string) error
	Quit() error
}

// FTPUploader stores recordings at <base>/<device>/<file>. Each sync opens
// one control connection per file.
type FTPUploader struct {
	cfg FTPConfig
	log logger.Logger

	// dial opens a logged-in control connection; replaced in tests.
	dial func(ctx context.Context) (ftpConn, error)
}

func NewFTPUploader(cfg *FTPConfig) (*FTPUploader, error) {
	c := *cfg
	if c.Host == "" {
		return nil, edgeError(fmt.Errorf("ftp: host is required"), errors.CategoryConfiguration, "new_ftp_uploader")
	}
	if c.Port == 0 {
		c.Port = 21
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	c.BasePath = strings.TrimRight(c.BasePath, "/")
	if c.BasePath == "" {
		c.BasePath = "uploads"
	}
	u := &FTPUploader{cfg: c, log: moduleLogger("ftp")}
	u.dial = u.connect
	return u, nil
}

func (u *FTPUploader) Name() string { return conf.EdgeMethodFTP }

func (u *FTPUploader) connect(ctx context.Context) (ftpConn, error) {
	conn, err := ftp.Dial(u.cfg.Address(),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(u.cfg.Timeout))
	if err != nil {
		return nil, edgeError(fmt.Errorf("ftp: connection failed: %w", err), errors.CategoryNetwork, "ftp_connect")
	}
	if u.cfg.Username != "" {
		if err := conn.Login(u.cfg.Username, u.cfg.Password); err != nil {
			_ = conn.Quit()
			return nil, edgeError(fmt.Errorf("ftp: login failed: %w", err), errors.CategoryConfiguration, "ftp_login")
		}
	}
	return conn, nil
}

// mkdirAll creates every component of dir, ignoring "exists" replies.
func mkdirAll(conn ftpConn, dir string) {
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		cur = path.Join(cur, part)
		_ = conn.MakeDir(cur)
	}
}

// Upload stores the recording and its sidecar under temporary names and
// renames them into place.
func (u *FTPUploader) Upload(ctx context.Context, f *PendingFile) error {
	conn, err := u.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			u.log.Debug("ftp quit failed", logger.Error(err))
		}
	}()

	dir := path.Join(u.cfg.BasePath, f.DeviceID)
	mkdirAll(conn, dir)

	if f.SidecarPath != "" {
		if err := u.store(ctx, conn, f.SidecarPath, path.Join(dir, path.Base(sidecarPath(f.Name)))); err != nil {
			return err
		}
	}
	return u.store(ctx, conn, f.Path, path.Join(dir, f.Name))
}

func (u *FTPUploader) store(ctx context.Context, conn ftpConn, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return edgeError(err, errors.CategoryFileIO, "open_recording")
	}
	defer func() { _ = src.Close() }()

	tmp := path.Join(path.Dir(remote), "tmp-"+path.Base(remote))
	if err := conn.Stor(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = conn.Delete(tmp)
		return edgeError(fmt.Errorf("ftp: failed to store %s: %w", remote, err), errors.CategoryUpload, "ftp_store")
	}
	if err := conn.Rename(tmp, remote); err != nil {
		_ = conn.Delete(tmp)
		return edgeError(fmt.Errorf("ftp: failed to rename %s: %w", tmp, err), errors.CategoryUpload, "ftp_rename")
	}
	return nil
}

func (u *FTPUploader) Close() error { return nil }
