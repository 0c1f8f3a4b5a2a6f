package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/leonardotrapani/voxchat/internal/assistant"
	"github.com/leonardotrapani/voxchat/internal/bus"
	"github.com/leonardotrapani/voxchat/internal/config"
	"github.com/leonardotrapani/voxchat/internal/credential"
	"github.com/leonardotrapani/voxchat/internal/daemon"
	"github.com/leonardotrapani/voxchat/internal/deps"
	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/storage"
	"github.com/leonardotrapani/voxchat/internal/tui"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "voxchat",
	Short:         "Voice-enabled chat with an OpenAI assistant",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if _, err := config.LoadEnvFile(); err != nil {
			log.Printf("Config: ignoring env file: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(
		serveCmd(),
		streamCmd(),
		recordCmd(),
		stopCmd(),
		statusCmd(),
		inputCmd(),
		sendCmd(),
		historyCmd(),
		transcribeCmd(),
		conversationsCmd(),
		keyCmd(),
		configureCmd(),
		doctorCmd(),
		versionCmd(),
		quitCmd(),
	)
}

// request sends one command to the daemon and returns its payload.
func request(name string, args ...string) (string, error) {
	resp, err := bus.SendCommand(name, args...)
	if err != nil {
		if errors.Is(err, bus.ErrDaemonNotRunning) {
			return "", fmt.Errorf("%w (start it with `voxchat serve`)", err)
		}
		return "", err
	}
	return bus.ParseResponse(resp)
}

// simpleCmd forwards a fixed daemon command and prints the reply.
func simpleCmd(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := request(command)
			if err != nil {
				return err
			}
			printPayload(out)
			return nil
		},
	}
}

func printPayload(out string) {
	if out != "" {
		fmt.Println(out)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := config.NewManager()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			d, err := daemon.New(mgr, daemon.Deps{})
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			return d.Run()
		},
	}
}

func streamCmd() *cobra.Command {
	return simpleCmd("stream", "Start live voice input", "stream")
}

func recordCmd() *cobra.Command {
	return simpleCmd("record", "Record a clip to transcribe when stopped", "record")
}

func stopCmd() *cobra.Command {
	return simpleCmd("stop", "Stop voice input", "stop")
}

func statusCmd() *cobra.Command {
	return simpleCmd("status", "Show capture state and the active conversation", "status")
}

func historyCmd() *cobra.Command {
	return simpleCmd("history", "List transcriptions from this daemon session", "history")
}

func quitCmd() *cobra.Command {
	return simpleCmd("quit", "Stop the daemon", "quit")
}

func inputCmd() *cobra.Command {
	var clearInput bool

	cmd := &cobra.Command{
		Use:   "input [text...]",
		Short: "Show or replace the pending input text",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				out string
				err error
			)
			switch {
			case clearInput:
				out, err = request("clear")
			case len(args) > 0:
				out, err = request("set-input", args...)
			default:
				out, err = request("input")
			}
			if err != nil {
				return err
			}
			printPayload(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&clearInput, "clear", false, "discard the pending input")
	return cmd
}

func sendCmd() *cobra.Command {
	var conversation string

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send text (or the pending voice input) to the assistant",
		Long: `Send a message to the assistant and print the reply.
Without text, the transcribed voice input is sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := request("send", append([]string{conversation}, args...)...)
			if err != nil {
				return err
			}
			_, reply, _ := strings.Cut(out, "\n")
			fmt.Println(reply)
			return nil
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", "active", "conversation ID or prefix")
	return cmd
}

func transcribeCmd() *cobra.Command {
	var toInput bool

	cmd := &cobra.Command{
		Use:   "transcribe <file>",
		Short: "Transcribe an audio file (wav, mp3, ogg, webm)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := recording.LoadArtifact(args[0])
			if err != nil {
				return err
			}
			creds, conf, err := openCredentials()
			if err != nil {
				return err
			}
			client := assistant.New(conf.ToAssistantConfig(), nil)
			text, err := client.WithKeys(creds).Transcribe(cmd.Context(), artifact)
			if err != nil {
				return err
			}
			fmt.Println(text)

			// the bus carries one line per command
			line := strings.Join(strings.Fields(text), " ")
			if toInput && line != "" {
				if _, err := request("set-input", line); err != nil {
					return fmt.Errorf("transcribed, but could not hand the text to the daemon: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&toInput, "input", false, "also make the text the daemon's pending input")
	return cmd
}

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}

	cmd.AddCommand(
		simpleCmd("list", "List conversations (* marks the active one)", "conv-list"),
		&cobra.Command{
			Use:   "new [title...]",
			Short: "Start a new conversation and make it active",
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := request("conv-new", args...)
				if err != nil {
					return err
				}
				printPayload(out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "use <id>",
			Short: "Make a conversation active",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := request("conv-use", args[0])
				if err != nil {
					return err
				}
				printPayload(out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show [id]",
			Short: "Print a conversation's messages",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := request("conv-show", args...)
				if err != nil {
					return err
				}
				printPayload(out)
				return nil
			},
		},
	)
	return cmd
}

// openCredentials opens the credential store configured for this user.
func openCredentials() (*credential.Store, *config.Config, error) {
	conf, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	path, err := conf.StoragePath()
	if err != nil {
		return nil, nil, err
	}
	return credential.NewStore(storage.NewBolt(path)), conf, nil
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the OpenAI API key",
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, _, err := openCredentials()
			if err != nil {
				return err
			}
			if !yes {
				ok, err := tui.ConfirmClearKey()
				if err != nil || !ok {
					fmt.Println("Key kept.")
					return nil
				}
			}
			if err := creds.Clear(); err != nil {
				return err
			}
			fmt.Println("API key removed.")
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [key]",
			Short: "Store an API key (prompts when omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				creds, _, err := openCredentials()
				if err != nil {
					return err
				}
				var key string
				if len(args) == 1 {
					key = args[0]
				} else {
					current, _ := creds.Load()
					key, err = tui.PromptAPIKey(current)
					if errors.Is(err, tui.ErrCancelled) {
						fmt.Println("Cancelled.")
						return nil
					}
					if err != nil {
						return err
					}
				}
				if err := creds.Save(key); err != nil {
					return err
				}
				fmt.Println("API key saved:", credential.Mask(strings.TrimSpace(key)))
				return nil
			},
		},
		clearCmd,
		&cobra.Command{
			Use:   "show",
			Short: "Show the masked API key and where it comes from",
			RunE: func(cmd *cobra.Command, args []string) error {
				creds, _, err := openCredentials()
				if err != nil {
					return err
				}
				key, source, err := creds.Lookup()
				if err != nil && !errors.Is(err, credential.ErrNoKey) {
					return err
				}
				fmt.Println(tui.KeyStatus(key, source))
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check the API key against the OpenAI API",
			RunE: func(cmd *cobra.Command, args []string) error {
				creds, conf, err := openCredentials()
				if err != nil {
					return err
				}
				key, err := creds.Load()
				if err != nil {
					return err
				}
				client := assistant.New(conf.ToAssistantConfig(), nil)
				if err := client.VerifyKey(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Println(tui.StyleSuccess.Render("API key is valid"))
				return nil
			},
		},
	)
	return cmd
}

func configureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Interactive configuration setup",
		Long: `Interactive configuration editor for voxchat.
This will guide you through setting up:
- The assistant model and prompt
- Microphone capture
- Streaming recognition
- Notifications and metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigure()
		},
	}
}

func runConfigure() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	result, err := tui.Run(cfg)
	if err != nil {
		return fmt.Errorf("configuration editor error: %w", err)
	}
	if result.Cancelled {
		fmt.Println("Configuration cancelled.")
		return nil
	}

	if err := result.Config.Validate(); err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		return err
	}
	if err := config.Save(result.Config); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Println("Configuration saved successfully!")
	fmt.Println("A running daemon picks up the change automatically.")

	configPath, _ := config.GetConfigPath()
	fmt.Printf("Config file location: %s\n", configPath)
	return nil
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check external tools, configuration and the API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

func check(ok bool, label, detail string) {
	mark := tui.StyleSuccess.Render("✓")
	if !ok {
		mark = tui.StyleError.Render("✗")
	}
	line := fmt.Sprintf("%s %s", mark, label)
	if detail != "" {
		line += " " + tui.StyleMuted.Render(detail)
	}
	fmt.Println(line)
}

func runDoctor(ctx context.Context) error {
	problems := 0

	for _, s := range deps.CheckAll() {
		detail := s.Version
		if !s.Installed {
			detail = s.Hint
			if s.Required {
				problems++
			}
		}
		check(s.Installed, s.Name, detail)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	pwCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := recording.CheckPipeWireAvailable(pwCtx); err != nil {
		problems++
		check(false, "PipeWire", err.Error())
	} else {
		check(true, "PipeWire", "running")
	}

	creds, conf, err := openCredentials()
	if err != nil {
		problems++
		check(false, "config", err.Error())
		return fmt.Errorf("%d problem(s) found", problems)
	}
	if err := conf.Validate(); err != nil {
		problems++
		check(false, "config", err.Error())
	} else {
		path, _ := config.GetConfigPath()
		check(true, "config", path)
	}

	if _, source, err := creds.Lookup(); err != nil {
		problems++
		check(false, "API key", err.Error())
	} else {
		check(true, "API key", "from "+string(source))
	}

	if _, err := request("version"); err != nil {
		check(false, "daemon", "not running")
	} else {
		check(true, "daemon", "running")
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version and the daemon protocol version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("voxchat %s (protocol %s)\n", version, bus.ProtoVer)
			if out, err := request("version"); err == nil {
				fmt.Printf("daemon: %s\n", out)
			}
			return nil
		},
	}
}
