package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ciphernotes/pkg/client"
)

type rootOpts struct {
	server      string
	sessionFile string
	quiet       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:   "cnote",
		Short: "Share end-to-end encrypted notes",
		Long: `cnote encrypts notes locally and stores only ciphertext on a ciphernotes server.

The share reference printed by create holds the decryption key in its
fragment. Anyone with the reference can read the note; the server cannot.

Examples:
  # Share a file that deletes itself once you read it back
  cnote create notes.txt --auto-delete

  # Read a note and save it as HTML
  cnote get 'https://notes.example/#<id>_<key>' --format html --out note.html`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CNOTE_SERVER", "http://localhost:3000"), "server base URL")
	root.PersistentFlags().StringVar(&opts.sessionFile, "session-file", defaultSessionFile(), "file holding this device's session id")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress output")

	root.AddCommand(
		newCreateCmd(opts),
		newGetCmd(opts),
		newUpdateCmd(opts),
		newDeleteCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".cnote-session"
	}
	return filepath.Join(dir, "cnote", "session")
}

// loadSession returns the persisted session id, creating one on first use.
// Ownership of every note made from this device hangs on it.
func loadSession(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if s := strings.TrimSpace(string(raw)); s != "" {
			return s, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "read session file")
	}
	s := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", errors.Wrap(err, "create session dir")
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o600); err != nil {
		return "", errors.Wrap(err, "write session file")
	}
	return s, nil
}

func (o *rootOpts) client() (*client.Client, error) {
	session, err := loadSession(o.sessionFile)
	if err != nil {
		return nil, err
	}
	return client.New(o.server, session)
}

// startSpinner writes progress to w and returns a stop func. The spinner is
// skipped when quiet.
func (o *rootOpts) startSpinner(w io.Writer, msg string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + msg
	if o.quiet {
		return s, func() {}
	}
	s.Start()
	return s, s.Stop
}

// readInput reads the file named by args[0], or stdin when absent or "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

var (
	okMark   = color.GreenString("✓")
	hintMark = color.CyanString("→")
)

// explain turns API failures into user-facing lines.
func explain(err error) error {
	switch {
	case client.IsNotFound(err):
		return errors.New("note not found (it may have expired or been deleted)")
	case client.IsForbidden(err):
		return errors.New("this device's session does not own that note")
	}
	return err
}
