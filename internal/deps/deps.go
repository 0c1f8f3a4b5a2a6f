package deps

import (
	"os/exec"
	"strings"
)

// Status represents the installation status of a dependency
type Status struct {
	Name      string
	Installed bool
	Path      string
	Version   string
	Required  bool
	Hint      string
}

// Tool describes an external program the daemon shells out to.
type Tool struct {
	Name        string
	VersionArgs []string
	Required    bool
	Hint        string
}

// Tools is the list checked by the doctor command.
var Tools = []Tool{
	{Name: "pw-record", VersionArgs: []string{"--version"}, Required: true, Hint: "install pipewire (pipewire-tools on some distros)"},
	{Name: "pw-cli", VersionArgs: []string{"--version"}, Required: true, Hint: "install pipewire"},
	{Name: "notify-send", VersionArgs: []string{"--version"}, Hint: "install libnotify for desktop notifications"},
}

// Check looks the tool up in PATH and tries to read its version.
func Check(tool Tool) Status {
	status := Status{Name: tool.Name, Required: tool.Required, Hint: tool.Hint}

	path, err := exec.LookPath(tool.Name)
	if err != nil {
		return status
	}
	status.Installed = true
	status.Path = path

	if len(tool.VersionArgs) == 0 {
		return status
	}
	output, err := exec.Command(path, tool.VersionArgs...).CombinedOutput()
	if err == nil {
		status.Version = firstLine(string(output))
	}
	return status
}

// CheckAll checks every entry of Tools.
func CheckAll() []Status {
	out := make([]Status, 0, len(Tools))
	for _, tool := range Tools {
		out = append(out, Check(tool))
	}
	return out
}

// Missing returns the required tools that are not installed.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if s.Required && !s.Installed {
			out = append(out, s)
		}
	}
	return out
}

// CheckPwRecord checks the PipeWire recorder used for voice capture.
func CheckPwRecord() Status {
	return Check(Tools[0])
}

// CheckNotifySend checks the desktop notification helper.
func CheckNotifySend() Status {
	return Check(Tools[2])
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}
