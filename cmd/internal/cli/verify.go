package cli

import (
	"errors"

	"anchor/cmd/internal/anchoring"
	"anchor/cmd/keyssi"

	"github.com/spf13/cobra"
)

// VerifyResult is the JSON payload of the verify command.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Kind   string `json:"kind"`
	Record string `json:"record"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var key, record, previous string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a record's signature without touching any chain",
		Long: `Run the signature policy for one record: the record must have been
signed by --key over [--previous] + timestamp + payload.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)

			authority, err := keyssi.ParseAuthorityKey(key)
			if err != nil {
				return f.Fail(ExitCommandError, anchoring.CodeInvalidInput, "invalid --key", nil, err)
			}
			rec, err := keyssi.Parse(record)
			if errors.Is(err, keyssi.ErrUnknownKind) {
				return f.Fail(ExitFailure, anchoring.CodeVerificationFailed, "unsupported record kind", nil, err)
			}
			if err != nil {
				return f.Fail(ExitCommandError, anchoring.CodeInvalidInput, "invalid --record", nil, err)
			}

			ok, err := anchoring.Policy{}.Verify(authority, rec, previous)
			if errors.Is(err, anchoring.ErrUnsupportedKind) {
				return f.Fail(ExitFailure, anchoring.CodeVerificationFailed, rec.Kind().String()+" records carry no signature", nil, err)
			}
			if err != nil {
				return f.Fail(ExitCommandError, anchoring.CodeInternal, err.Error(), nil, err)
			}
			if !ok {
				return f.Fail(ExitFailure, anchoring.CodeVerificationFailed, "record signature does not verify", nil, nil)
			}

			return f.Success("ok", VerifyResult{Valid: true, Kind: rec.Kind().String(), Record: rec.String()})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "authority key identifier")
	cmd.Flags().StringVar(&record, "record", "", "record identifier to verify")
	cmd.Flags().StringVar(&previous, "previous", "", "claimed predecessor record")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("record")

	return cmd
}
