package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/leonardotrapani/voxchat/internal/credential"
)

// ErrCancelled is returned when the user aborts a prompt.
var ErrCancelled = errors.New("cancelled")

// PromptAPIKey asks for an OpenAI API key. current, when set, is shown masked.
func PromptAPIKey(current string) (string, error) {
	desc := "Stored locally and sent only to the OpenAI API"
	if current != "" {
		desc = fmt.Sprintf("Currently: %s. %s", credential.Mask(current), desc)
	}

	var key string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("OpenAI API Key").
				Description(desc).
				Placeholder("sk-...").
				EchoMode(huh.EchoModePassword).
				Value(&key).
				Validate(credential.Validate),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", ErrCancelled
		}
		return "", err
	}
	return strings.TrimSpace(key), nil
}

// ConfirmClearKey asks before removing the stored key.
func ConfirmClearKey() (bool, error) {
	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Remove the stored API key?").
				Affirmative("Remove").
				Negative("Keep").
				Value(&confirmed),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

// KeyStatus renders where the key comes from, masked.
func KeyStatus(key string, source credential.Source) string {
	if source == credential.SourceNone || key == "" {
		return StyleWarning.Render("No API key configured") + "\n" +
			StyleMuted.Render("Run `voxchat key set` or export "+credential.EnvVar)
	}
	return fmt.Sprintf("%s %s %s", StyleSuccess.Render("✓"), credential.Mask(key), StyleMuted.Render("("+string(source)+")"))
}
