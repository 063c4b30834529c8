package edge

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// SFTPConfig configures uploads to a server directory over SSH.
type SFTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string
	KnownHostsFile string // empty accepts any host key
	BasePath       string
	Timeout        time.Duration
}

func SFTPConfigFromSettings(s *conf.EdgeSettings) *SFTPConfig {
	return &SFTPConfig{
		Host:           s.SFTP.Host,
		Port:           s.SFTP.Port,
		Username:       s.SFTP.Username,
		Password:       s.SFTP.Password,
		KeyFile:        s.SFTP.KeyFile,
		KnownHostsFile: s.SFTP.KnownHostsFile,
		BasePath:       s.SFTP.Path,
		Timeout:        s.SFTP.Timeout,
	}
}

// SFTPUploader copies recordings to <base>/<device>/<file>. The remote
// file is written under a temporary name and renamed once complete, so a
// server side watcher never sees partial files.
type SFTPUploader struct {
	cfg SFTPConfig
	log logger.Logger

	// dial opens a session; replaced in tests.
	dial func(ctx context.Context) (*sftp.Client, io.Closer, error)

	mu     sync.Mutex
	client *sftp.Client
	conn   io.Closer
}

func NewSFTPUploader(cfg *SFTPConfig) (*SFTPUploader, error) {
	c := *cfg
	if c.Host == "" {
		return nil, edgeError(fmt.Errorf("sftp: host is required"), errors.CategoryConfiguration, "new_sftp_uploader")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BasePath == "" {
		c.BasePath = "uploads"
	}
	u := &SFTPUploader{cfg: c, log: moduleLogger("sftp")}
	u.dial = u.dialSSH
	return u, nil
}

func (u *SFTPUploader) Name() string { return conf.EdgeMethodSFTP }

func (u *SFTPUploader) clientConfig() (*ssh.ClientConfig, error) {
	cc := &ssh.ClientConfig{
		User:    u.cfg.Username,
		Timeout: u.cfg.Timeout,
	}
	if u.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(u.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read known hosts: %w", err)
		}
		cc.HostKeyCallback = cb
	} else {
		u.log.Warn("no known_hosts file configured, host key is not verified",
			logger.String("host", u.cfg.Host))
		cc.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via empty knownhostsfile
	}

	switch {
	case u.cfg.KeyFile != "":
		key, err := os.ReadFile(u.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		cc.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case u.cfg.Password != "":
		cc.Auth = []ssh.AuthMethod{ssh.Password(u.cfg.Password)}
	default:
		return nil, fmt.Errorf("sftp: no authentication method provided")
	}
	return cc, nil
}

func (u *SFTPUploader) dialSSH(ctx context.Context) (*sftp.Client, io.Closer, error) {
	cc, err := u.clientConfig()
	if err != nil {
		return nil, nil, edgeError(err, errors.CategoryConfiguration, "sftp_connect")
	}

	addr := net.JoinHostPort(u.cfg.Host, strconv.Itoa(u.cfg.Port))
	d := net.Dialer{Timeout: u.cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, edgeError(err, errors.CategoryNetwork, "sftp_connect")
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cc)
	if err != nil {
		_ = netConn.Close()
		return nil, nil, edgeError(err, errors.CategoryNetwork, "sftp_handshake")
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, edgeError(err, errors.CategoryNetwork, "sftp_session")
	}
	return client, sshClient, nil
}

// session returns the cached client, connecting on first use.
func (u *SFTPUploader) session(ctx context.Context) (*sftp.Client, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.client != nil {
		if _, err := u.client.Getwd(); err == nil {
			return u.client, nil
		}
		u.closeLocked()
	}
	client, conn, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.client, u.conn = client, conn
	u.log.Info("sftp session established", logger.String("host", u.cfg.Host))
	return client, nil
}

// Upload copies the recording and its sidecar.
func (u *SFTPUploader) Upload(ctx context.Context, f *PendingFile) error {
	client, err := u.session(ctx)
	if err != nil {
		return err
	}

	dir := path.Join(u.cfg.BasePath, f.DeviceID)
	if err := client.MkdirAll(dir); err != nil {
		u.drop()
		return edgeError(fmt.Errorf("sftp: failed to create directory %s: %w", dir, err), errors.CategoryUpload, "sftp_mkdir")
	}

	if f.SidecarPath != "" {
		if err := u.put(ctx, client, f.SidecarPath, path.Join(dir, path.Base(sidecarPath(f.Name)))); err != nil {
			return err
		}
	}
	return u.put(ctx, client, f.Path, path.Join(dir, f.Name))
}

func (u *SFTPUploader) put(ctx context.Context, client *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return edgeError(err, errors.CategoryFileIO, "open_recording")
	}
	defer func() { _ = src.Close() }()

	tmp := path.Join(path.Dir(remote), ".tmp-"+path.Base(remote))
	dst, err := client.Create(tmp)
	if err != nil {
		u.drop()
		return edgeError(fmt.Errorf("sftp: failed to create %s: %w", tmp, err), errors.CategoryUpload, "sftp_create")
	}

	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = dst.Close()
		_ = client.Remove(tmp)
		return edgeError(fmt.Errorf("sftp: failed to write %s: %w", remote, err), errors.CategoryUpload, "sftp_write")
	}
	if err := dst.Close(); err != nil {
		_ = client.Remove(tmp)
		return edgeError(err, errors.CategoryUpload, "sftp_write")
	}
	if err := client.Chmod(tmp, 0o644); err != nil {
		u.log.Debug("chmod not supported by server", logger.String("path", tmp), logger.Error(err))
	}
	if err := client.PosixRename(tmp, remote); err != nil {
		// Servers without the posix-rename extension cannot replace files.
		_ = client.Remove(remote)
		if err := client.Rename(tmp, remote); err != nil {
			_ = client.Remove(tmp)
			return edgeError(fmt.Errorf("sftp: failed to rename %s: %w", tmp, err), errors.CategoryUpload, "sftp_rename")
		}
	}
	return nil
}

func (u *SFTPUploader) drop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeLocked()
}

// closeLocked tears down the transport first. sftp.Client.Close waits for
// its receive loop, which only ends once the transport is gone.
func (u *SFTPUploader) closeLocked() {
	if u.conn != nil {
		_ = u.conn.Close()
	}
	if u.client != nil {
		_ = u.client.Close()
	}
	u.client, u.conn = nil, nil
}

func (u *SFTPUploader) Close() error {
	u.drop()
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
