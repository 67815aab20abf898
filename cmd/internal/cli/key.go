package cli

import (
	"crypto/ed25519"

	"anchor/cmd/keyssi"

	"github.com/spf13/cobra"
)

// KeyResult is the JSON payload of the key command.
type KeyResult struct {
	AuthorityKey string `json:"authority_key"`
	Domain       string `json:"domain"`
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	var seed, domain string

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the authority key identifier for a seed",
		Long: `Derive the Ed25519 key pair from a base64url seed and print the
authority key identifier (ssi:anchor:...) that owns the chain.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			_, key, err := authorityFromSeed(f, seed, domain)
			if err != nil {
				return err
			}
			return f.Success(key.Identifier(), KeyResult{AuthorityKey: key.Identifier(), Domain: key.Domain()})
		},
	}

	cmd.Flags().StringVar(&seed, "seed", "", "base64url 32-byte seed")
	cmd.Flags().StringVar(&domain, "domain", "default", "identifier domain")
	_ = cmd.MarkFlagRequired("seed")

	return cmd
}

func authorityFromSeed(f *OutputFormatter, seed, domain string) (ed25519.PrivateKey, keyssi.AuthorityKey, error) {
	priv, err := keyssi.KeyFromSeed(seed)
	if err != nil {
		return nil, keyssi.AuthorityKey{}, f.Fail(ExitCommandError, ErrCodeSeed, err.Error(), nil, err)
	}
	key, err := keyssi.NewAuthorityKey(domain, priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, keyssi.AuthorityKey{}, f.Fail(ExitCommandError, ErrCodeSeed, "invalid domain "+domain, nil, err)
	}
	return priv, key, nil
}
