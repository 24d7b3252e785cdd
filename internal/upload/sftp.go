package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/MacJediWizard/autobackup/internal/config"
)

// sshDialTimeout bounds the TCP connect and SSH handshake.
const sshDialTimeout = 30 * time.Second

// SFTPEndpoint stores files in a directory on an SFTP server. Host keys are
// verified against a known_hosts file.
type SFTPEndpoint struct {
	name      string
	addr      string
	remoteDir string
	sshConfig *ssh.ClientConfig
}

// NewSFTPEndpoint prepares the SSH client configuration. No connection is
// made until Upload.
func NewSFTPEndpoint(name string, cfg *config.SFTPConfig) (*SFTPEndpoint, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, errors.New("sftp host is required")
	}

	hostKeyCallback, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDialTimeout,
	}

	switch {
	case cfg.KeyPath != "":
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		sshConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case cfg.Password != "":
		sshConfig.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	default:
		return nil, errors.New("no authentication method provided for sftp")
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	if name == "" {
		name = "sftp:" + cfg.Host
	}

	return &SFTPEndpoint{
		name:      name,
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		remoteDir: cfg.Path,
		sshConfig: sshConfig,
	}, nil
}

// Name implements Endpoint.
func (e *SFTPEndpoint) Name() string {
	return e.name
}

// Upload implements Endpoint. The file is written under a temporary name
// and renamed into place, so a partial upload never looks complete.
func (e *SFTPEndpoint) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload file: %w", err)
	}

	sshClient, err := e.dial(ctx)
	if err != nil {
		return "", err
	}
	defer sshClient.Close()

	// Tear the connection down if the attempt is cancelled mid-transfer.
	stop := context.AfterFunc(ctx, func() { sshClient.Close() })
	defer stop()

	client, err := sftp.NewClient(sshClient,
		sftp.UseConcurrentWrites(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		return "", fmt.Errorf("create sftp client: %w", err)
	}
	defer client.Close()

	if e.remoteDir != "" {
		if err := client.MkdirAll(e.remoteDir); err != nil {
			return "", fmt.Errorf("create remote directory: %w", err)
		}
	}

	dest := path.Join(e.remoteDir, filepath.Base(localPath))
	tmp := dest + ".part"

	remote, err := client.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create remote file: %w", err)
	}
	written, err := io.Copy(remote, f)
	if closeErr := remote.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = client.Remove(tmp)
		return "", fmt.Errorf("write remote file: %w", wrapCtx(ctx, err))
	}
	if written != info.Size() {
		_ = client.Remove(tmp)
		return "", fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", info.Size(), written)
	}

	if err := client.PosixRename(tmp, dest); err != nil {
		// Servers without the posix-rename extension.
		_ = client.Remove(dest)
		if err := client.Rename(tmp, dest); err != nil {
			_ = client.Remove(tmp)
			return "", fmt.Errorf("rename remote file: %w", err)
		}
	}

	return fmt.Sprintf("sftp://%s%s", e.addr, absRemote(dest)), nil
}

func (e *SFTPEndpoint) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", e.addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(sshDialTimeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", e.addr, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		_ = conn.SetDeadline(time.Time{})
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func absRemote(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return "/" + p
}
