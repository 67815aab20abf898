// Package cli implements anchorctl, the local operator tool for anchor chains.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"anchor/cmd/internal/anchoring"
	"anchor/cmd/security/digest"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Dir     string // file store directory
	SQLite  string // sqlite database path; wins over Dir when set
	NoFsync bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for anchorctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "anchorctl",
		Short: "anchorctl - inspect and extend anchor chains",
		Long: `anchorctl signs, verifies and appends version records to anchor chains.

Keys are derived from caller supplied seeds; anchorctl never generates or stores keys.
append/log/tail/check operate on a local file store (--dir) or sqlite database (--sqlite).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "./data/anchors", "file store directory")
	cmd.PersistentFlags().StringVar(&opts.SQLite, "sqlite", "", "sqlite database path (overrides --dir)")
	cmd.PersistentFlags().BoolVar(&opts.NoFsync, "no-fsync", false, "skip fsync after file store appends")

	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openService opens the store selected by the root flags and wraps it in a
// Service. The returned close func releases the store.
func openService(opts *RootOptions, f *OutputFormatter) (*anchoring.Service, func(), error) {
	var (
		st  anchoring.ChainStore
		err error
	)
	if strings.TrimSpace(opts.SQLite) != "" {
		f.VerboseLog("store: sqlite %s", opts.SQLite)
		st, err = anchoring.OpenSQLite(opts.SQLite)
	} else {
		namer := digest.NewNamer(nil)
		key, kerr := digest.NameKeyFromEnv(digest.MinNameKeyBytes)
		switch {
		case kerr == nil:
			namer = digest.NewNamer(key)
		case !errors.Is(kerr, digest.ErrNameKeyMissing):
			// A short key is fatal here as it is for the server.
			return nil, nil, f.Fail(ExitCommandError, ErrCodeStore, "invalid "+digest.NameKeyEnv, nil, kerr)
		}
		f.VerboseLog("store: file %s (keyed names: %v)", opts.Dir, namer.Keyed())
		st, err = anchoring.NewFileStore(opts.Dir,
			anchoring.WithFsync(!opts.NoFsync),
			anchoring.WithNamer(namer),
		)
	}
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeStore, "cannot open store", nil, err)
	}

	var logOut io.Writer = io.Discard
	if opts.Verbose {
		logOut = f.GetErrWriter()
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	svc, err := anchoring.NewService(st, anchoring.WithLogger(log))
	if err != nil {
		_ = st.Close()
		return nil, nil, f.Fail(ExitCommandError, ErrCodeStore, "cannot build service", nil, err)
	}
	return svc, func() { _ = st.Close() }, nil
}

// failAnchoring reports an anchoring error with its result code.
// Conflicts and verification failures exit 1; everything else exits 2.
func failAnchoring(f *OutputFormatter, err error) error {
	code := anchoring.Code(err)

	if ce, ok := anchoring.AsConflict(err); ok {
		return f.Fail(ExitFailure, code, "versions out of sync", map[string]string{
			"tail":    ce.Tail,
			"claimed": ce.Claimed,
		}, err)
	}

	switch code {
	case anchoring.CodeVerificationFailed:
		return f.Fail(ExitFailure, code, "record signature does not verify", nil, err)
	case anchoring.CodeEmptyChain:
		return f.Fail(ExitFailure, code, "chain has no records", nil, err)
	default:
		return f.Fail(ExitCommandError, code, err.Error(), nil, err)
	}
}
