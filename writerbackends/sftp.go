package writerbackends

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"vidserve/config"
	"vidserve/logger"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPMirror uploads artifacts to a remote directory over SSH. A connection
// is opened per upload.
type SFTPMirror struct {
	addr      string
	remoteDir string
	config    *ssh.ClientConfig
}

// NewSFTP prefers the private key file over the password
func NewSFTP(cfg config.MirrorConfig) (*SFTPMirror, error) {
	var auths []ssh.AuthMethod
	switch {
	case cfg.SFTPKeyFile != "":
		keyBytes, err := os.ReadFile(cfg.SFTPKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case cfg.SFTPPassword != "":
		auths = append(auths, ssh.Password(cfg.SFTPPassword))
	default:
		return nil, fmt.Errorf("no auth method provided; set MIRROR_SFTP_PASSWORD or MIRROR_SFTP_KEY_FILE")
	}

	addr := cfg.SFTPAddr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	return &SFTPMirror{
		addr:      addr,
		remoteDir: cfg.SFTPDir,
		config: &ssh.ClientConfig{
			User:            cfg.SFTPUser,
			Auth:            auths,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
	}, nil
}

func (m *SFTPMirror) Name() string { return "sftp" }

func (m *SFTPMirror) Put(ctx context.Context, localPath, objectName string) error {
	src, _, err := openArtifact(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("dial tcp %s: %w", m.addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, m.addr, m.config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", m.addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer sftpClient.Close()

	remotePath := path.Join(m.remoteDir, objectName)
	if err := mkdirAllSFTP(sftpClient, path.Dir(remotePath)); err != nil {
		return fmt.Errorf("ensure remote dir %s: %w", path.Dir(remotePath), err)
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("copy to remote file %s: %w", remotePath, err)
	}

	logger.Infof("Successfully uploaded '%s' to %s", remotePath, m.addr)
	return nil
}

// mkdirAllSFTP mimics os.MkdirAll for an SFTP server by creating each segment of the path.
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	parts := strings.Split(dir, "/")
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}

	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if os.IsNotExist(err) {
				if err := client.Mkdir(cur); err != nil {
					return fmt.Errorf("mkdir %s: %w", cur, err)
				}
			} else {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
		}
	}
	return nil
}
