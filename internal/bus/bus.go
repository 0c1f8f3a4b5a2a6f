// Package bus is the control channel between the CLI and the daemon: a unix
// socket carrying one command line per connection, plus the daemon's pid file.
package bus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	SockName = "control.sock"
	PidName  = "voxchat.pid"
	ProtoVer = "1.0"

	dirName = "voxchat"
)

// Response status words. A response is one status line, optionally followed
// by payload lines; the daemon closes the connection when it is done.
const (
	StatusOK  = "OK"
	StatusErr = "ERR"
)

// ErrDaemonNotRunning is returned by SendCommand when nothing listens on the socket.
var ErrDaemonNotRunning = errors.New("daemon is not running")

func cacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dirName), nil
}

// ~/.cache/voxchat/control.sock
func getSockPath() (string, error) {
	dir, err := cacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SockName), nil
}

// ~/.cache/voxchat/voxchat.pid
func getPidPath() (string, error) {
	dir, err := cacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, PidName), nil
}

func SockPath() (string, error) { return getSockPath() }

type socketManager struct {
	path string
}

func (s *socketManager) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, err
	}
	_ = os.Remove(s.path) // stale socket from last run
	return net.Listen("unix", s.path)
}

func (s *socketManager) dial() (net.Conn, error) {
	return net.DialTimeout("unix", s.path, 2*time.Second)
}

type pidManager struct {
	path string
}

func (p *pidManager) create() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func (p *pidManager) remove() error {
	err := os.Remove(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// checkExisting fails when the pid file names a live process. Stale or
// unreadable pid files are removed.
func (p *pidManager) checkExisting() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || !p.isProcessAlive(pid) {
		_ = os.Remove(p.path)
		return nil
	}
	return fmt.Errorf("daemon already running with PID %d", pid)
}

func (p *pidManager) isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func defaultSocket() (*socketManager, error) {
	path, err := getSockPath()
	if err != nil {
		return nil, err
	}
	return &socketManager{path: path}, nil
}

func defaultPid() (*pidManager, error) {
	path, err := getPidPath()
	if err != nil {
		return nil, err
	}
	return &pidManager{path: path}, nil
}

func Listen() (net.Listener, error) {
	s, err := defaultSocket()
	if err != nil {
		return nil, err
	}
	return s.listen()
}

func CheckExistingDaemon() error {
	p, err := defaultPid()
	if err != nil {
		return err
	}
	return p.checkExisting()
}

func CreatePidFile() error {
	p, err := defaultPid()
	if err != nil {
		return err
	}
	return p.create()
}

func RemovePidFile() error {
	p, err := defaultPid()
	if err != nil {
		return err
	}
	return p.remove()
}

// SendCommand sends one command line and returns the full response.
func SendCommand(name string, args ...string) (string, error) {
	s, err := defaultSocket()
	if err != nil {
		return "", err
	}
	return s.send(FormatCommand(name, args...))
}

func (s *socketManager) send(line string) (string, error) {
	c, err := s.dial()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	defer c.Close()

	if _, err := io.WriteString(c, line+"\n"); err != nil {
		return "", err
	}
	resp, err := io.ReadAll(c)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// FormatCommand joins a command and its arguments into one line. Newlines in
// arguments are folded to spaces.
func FormatCommand(name string, args ...string) string {
	parts := append([]string{name}, args...)
	line := strings.Join(parts, " ")
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(line)
}

// Command is a parsed request line.
type Command struct {
	Name string
	Args []string
	// Rest is everything after the name, unsplit.
	Rest string
}

// ReadCommand reads and parses one request line.
func ReadCommand(r io.Reader) (Command, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return Command{}, err
	}
	return ParseCommand(line)
}

func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, errors.New("empty command")
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	return Command{Name: name, Args: strings.Fields(rest), Rest: rest}, nil
}

// ParseResponse splits a response into its status line and payload.
// An ERR response is returned as an error.
func ParseResponse(resp string) (string, error) {
	resp = strings.TrimRight(resp, "\n")
	status, body, _ := strings.Cut(resp, "\n")
	word, detail, _ := strings.Cut(status, " ")
	switch word {
	case StatusOK:
		if body == "" {
			return detail, nil
		}
		if detail == "" {
			return body, nil
		}
		return detail + "\n" + body, nil
	case StatusErr:
		return "", errors.New(detail)
	default:
		return "", fmt.Errorf("malformed response: %q", status)
	}
}
