// Package sshx runs commands on and uploads files to remote instances over
// SSH. Sessions are scoped resources: every acquisition is paired with a
// close on all exit paths.
package sshx

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const defaultUser = "core"

// Runner opens SSH sessions to instances as a fixed system user with a
// key file.
type Runner struct {
	user    string
	keyFile string
	timeout time.Duration
}

// NewRunner returns a runner authenticating as the given user with the
// supplied private key file. An empty user falls back to "core".
func NewRunner(user, keyFile string) *Runner {
	if user == "" {
		user = defaultUser
	}
	return &Runner{user: user, keyFile: keyFile, timeout: 30 * time.Second}
}

// Session is an open SSH connection to one instance.
type Session struct {
	client *ssh.Client
}

// Connect opens an SSH connection to the instance at addr (port 22).
func (r *Runner) Connect(addr string) (*Session, error) {
	key, err := os.ReadFile(r.keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", r.keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", r.keyFile, err)
	}

	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(addr, "22"), cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return &Session{client: client}, nil
}

// Exec runs a command and returns its stdout. The underlying channel is
// closed before returning.
func (s *Session) Exec(cmd string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.Output(cmd)
}

// Upload writes the reader's contents to remotePath, creating parent
// directories as needed.
func (s *Session) Upload(r io.Reader, remotePath string) error {
	cli, err := sftp.NewClient(s.client)
	if err != nil {
		return err
	}
	defer cli.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := cli.MkdirAll(dir); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	f, err := cli.Create(remotePath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	return err
}

func (s *Session) Close() error {
	return s.client.Close()
}

// UploadFile opens a session, uploads the reader to remotePath, and closes
// the session.
func (r *Runner) UploadFile(addr string, src io.Reader, remotePath string) error {
	sess, err := r.Connect(addr)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Upload(src, remotePath)
}
