package bus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPidManagerBasics(t *testing.T) {
	testPidManager := &pidManager{
		path: filepath.Join(t.TempDir(), PidName),
	}

	t.Run("create and remove PID file", func(t *testing.T) {
		if err := testPidManager.create(); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		pidData, err := os.ReadFile(testPidManager.path)
		if err != nil {
			t.Fatalf("failed to read PID file: %v", err)
		}
		if want := strconv.Itoa(os.Getpid()); string(pidData) != want {
			t.Errorf("PID file contains %q, expected %q", string(pidData), want)
		}

		if err := testPidManager.remove(); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
		if _, err := os.Stat(testPidManager.path); !os.IsNotExist(err) {
			t.Error("PID file should not exist after removal")
		}
		if err := testPidManager.remove(); err != nil {
			t.Errorf("removing a missing PID file should succeed: %v", err)
		}
	})

	t.Run("checkExisting with no PID file", func(t *testing.T) {
		if err := testPidManager.checkExisting(); err != nil {
			t.Errorf("checkExisting should not error when no PID file exists: %v", err)
		}
	})

	t.Run("checkExisting with current process", func(t *testing.T) {
		if err := testPidManager.create(); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		defer testPidManager.remove()

		if err := testPidManager.checkExisting(); err == nil {
			t.Error("checkExisting should fail when process is running")
		}
	})

	for _, content := range []string{"99999999", "invalid"} {
		t.Run("checkExisting removes "+content, func(t *testing.T) {
			if err := os.WriteFile(testPidManager.path, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			if err := testPidManager.checkExisting(); err != nil {
				t.Errorf("checkExisting should succeed: %v", err)
			}
			if _, err := os.Stat(testPidManager.path); !os.IsNotExist(err) {
				t.Error("stale PID file should be removed")
			}
		})
	}
}

func TestIsProcessAlive(t *testing.T) {
	pm := &pidManager{}
	if !pm.isProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if pm.isProcessAlive(99999999) {
		t.Error("non-existent process should not be alive")
	}
	if pm.isProcessAlive(0) {
		t.Error("pid 0 should not be alive")
	}
}

// serve answers every connection with handler's response to the parsed command.
func serve(t *testing.T, sm *socketManager, handler func(Command) string) {
	t.Helper()
	ln, err := sm.listen()
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				cmd, err := ReadCommand(c)
				if err != nil {
					fmt.Fprintf(c, "ERR %v\n", err)
					return
				}
				fmt.Fprint(c, handler(cmd))
			}(conn)
		}
	}()
}

func TestSendCommandIntegration(t *testing.T) {
	sm := &socketManager{path: filepath.Join(t.TempDir(), SockName)}
	serve(t, sm, func(cmd Command) string {
		switch cmd.Name {
		case "status":
			return "OK status=idle\n"
		case "version":
			return fmt.Sprintf("OK proto=%s\n", ProtoVer)
		case "send":
			return fmt.Sprintf("OK\nargs=%d\nrest=%s\n", len(cmd.Args), cmd.Rest)
		default:
			return fmt.Sprintf("ERR unknown command %q\n", cmd.Name)
		}
	})

	tests := []struct {
		line     string
		expected string
	}{
		{"status", "OK status=idle\n"},
		{"version", fmt.Sprintf("OK proto=%s\n", ProtoVer)},
		{FormatCommand("send", "active", "hello   there"), "OK\nargs=3\nrest=active hello   there\n"},
		{"bogus", "ERR unknown command \"bogus\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			resp, err := sm.send(tt.line)
			if err != nil {
				t.Fatalf("send failed: %v", err)
			}
			if resp != tt.expected {
				t.Errorf("got %q, expected %q", resp, tt.expected)
			}
		})
	}
}

func TestSendWithoutDaemon(t *testing.T) {
	sm := &socketManager{path: filepath.Join(t.TempDir(), SockName)}
	if _, err := sm.send("status"); !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("send error = %v, want ErrDaemonNotRunning", err)
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"status", nil, "status"},
		{"input", []string{"multi\nline\r\ntext"}, "input multi line text"},
		{"conv-use", []string{"abcd1234"}, "conv-use abcd1234"},
	}
	for _, tt := range tests {
		if got := FormatCommand(tt.name, tt.args...); got != tt.want {
			t.Errorf("FormatCommand(%q, %q) = %q, want %q", tt.name, tt.args, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("  send abcd  what is go?\n")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name != "send" || cmd.Rest != "abcd  what is go?" || len(cmd.Args) != 4 {
		t.Errorf("ParseCommand = %+v", cmd)
	}

	if _, err := ParseCommand("   \n"); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		resp    string
		want    string
		wantErr string
	}{
		{"OK stopped\n", "stopped", ""},
		{"OK\nline one\nline two\n", "line one\nline two", ""},
		{"OK status=idle\ntext=hi\n", "status=idle\ntext=hi", ""},
		{"ERR microphone permission denied\n", "", "microphone permission denied"},
		{"garbage", "", "malformed response: \"garbage\""},
	}
	for _, tt := range tests {
		got, err := ParseResponse(tt.resp)
		if tt.wantErr != "" {
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("ParseResponse(%q) error = %v, want %q", tt.resp, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseResponse(%q) = %q, %v, want %q", tt.resp, got, err, tt.want)
		}
	}
}

func TestPathFunctions(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	sock, err := getSockPath()
	if err != nil {
		t.Fatalf("getSockPath failed: %v", err)
	}
	if !filepath.IsAbs(sock) || filepath.Base(sock) != SockName {
		t.Errorf("unexpected socket path %s", sock)
	}
	if filepath.Base(filepath.Dir(sock)) != "voxchat" {
		t.Errorf("socket should live in a voxchat directory, got %s", sock)
	}

	pid, err := getPidPath()
	if err != nil {
		t.Fatalf("getPidPath failed: %v", err)
	}
	if filepath.Base(pid) != PidName {
		t.Errorf("unexpected pid path %s", pid)
	}
}

func TestPublicAPIWithTempDirs(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	if err := CheckExistingDaemon(); err != nil {
		t.Errorf("CheckExistingDaemon should succeed when no daemon running: %v", err)
	}
	if err := CreatePidFile(); err != nil {
		t.Fatalf("CreatePidFile failed: %v", err)
	}
	if err := CheckExistingDaemon(); err == nil {
		t.Error("CheckExistingDaemon should fail while the pid file names this process")
	}
	if err := RemovePidFile(); err != nil {
		t.Fatalf("RemovePidFile failed: %v", err)
	}

	ln, err := Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if _, err := ReadCommand(c); err == nil {
			fmt.Fprint(c, "OK pong\n")
		}
	}()

	resp, err := SendCommand("ping")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if resp != "OK pong\n" {
		t.Errorf("response = %q", resp)
	}
}
