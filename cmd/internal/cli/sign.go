package cli

import (
	"time"

	"anchor/cmd/keyssi"

	"github.com/spf13/cobra"
)

// SignResult is the JSON payload of the sign commands.
type SignResult struct {
	Record       string `json:"record"`
	Kind         string `json:"kind"`
	Timestamp    string `json:"timestamp"`
	AuthorityKey string `json:"authority_key"`
	Previous     string `json:"previous,omitempty"`
}

type signOptions struct {
	seed     string
	domain   string
	specific string
	previous string
	tsMillis int64
}

func (o *signOptions) bind(cmd *cobra.Command, specificHelp string) {
	cmd.Flags().StringVar(&o.seed, "seed", "", "base64url 32-byte seed of the current authority")
	cmd.Flags().StringVar(&o.domain, "domain", "default", "identifier domain")
	cmd.Flags().StringVar(&o.specific, "specific", "", specificHelp)
	cmd.Flags().StringVar(&o.previous, "previous", "", "identifier of the record this one follows (empty for the first)")
	cmd.Flags().Int64Var(&o.tsMillis, "ts", 0, "timestamp in unix milliseconds (default now)")
	_ = cmd.MarkFlagRequired("seed")
	_ = cmd.MarkFlagRequired("specific")
}

func (o *signOptions) time() time.Time {
	if o.tsMillis <= 0 {
		return time.Now()
	}
	return time.UnixMilli(o.tsMillis)
}

// NewSignCommand creates the sign command group.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Produce signed version records",
		Long: `Sign a hash link or transfer record over [previous] + timestamp + payload.

The record is printed, not stored; use append to add it to a chain.`,
	}
	cmd.AddCommand(newSignHashLinkCommand(rootOpts))
	cmd.AddCommand(newSignTransferCommand(rootOpts))
	return cmd
}

func newSignHashLinkCommand(rootOpts *RootOptions) *cobra.Command {
	o := &signOptions{}
	cmd := &cobra.Command{
		Use:           "hashlink",
		Short:         "Sign a hash link record",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			priv, key, err := authorityFromSeed(f, o.seed, o.domain)
			if err != nil {
				return err
			}
			rec, err := keyssi.SignHashLink(priv, o.domain, o.specific, o.previous, key, o.time())
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeSign, err.Error(), nil, err)
			}
			return outputSigned(f, rec, key, o.previous)
		},
	}
	o.bind(cmd, "hash link (brick hash) the record points at")
	return cmd
}

func newSignTransferCommand(rootOpts *RootOptions) *cobra.Command {
	o := &signOptions{}
	cmd := &cobra.Command{
		Use:           "transfer",
		Short:         "Sign a transfer record handing the chain to a new key",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			priv, key, err := authorityFromSeed(f, o.seed, o.domain)
			if err != nil {
				return err
			}
			next, err := keyssi.ParseAuthorityKey(o.specific)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeSign, "--specific must be the new authority key identifier", nil, err)
			}
			rec, err := keyssi.SignTransfer(priv, o.domain, next.PublicKey(), o.previous, o.time())
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeSign, err.Error(), nil, err)
			}
			return outputSigned(f, rec, key, o.previous)
		},
	}
	o.bind(cmd, "authority key identifier of the new owner")
	return cmd
}

func outputSigned(f *OutputFormatter, rec keyssi.Identifier, key keyssi.AuthorityKey, previous string) error {
	f.VerboseLog("signed %s record at %s for %s", rec.Kind(), rec.Timestamp(), key.Identifier())
	return f.Success(rec.String(), SignResult{
		Record:       rec.String(),
		Kind:         rec.Kind().String(),
		Timestamp:    rec.Timestamp(),
		AuthorityKey: key.Identifier(),
		Previous:     previous,
	})
}
