package cli

import (
	"context"
	"fmt"
	"strings"

	"anchor/cmd/internal/anchoring"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// AppendResult is the JSON payload of the append command.
type AppendResult struct {
	AnchorID string `json:"anchor_id"`
	Record   string `json:"record"`
	Kind     string `json:"kind"`
	Position int    `json:"position"`
	Previous string `json:"previous,omitempty"`
}

// LogResult is the JSON payload of the log command.
type LogResult struct {
	AnchorID string   `json:"anchor_id"`
	Versions []string `json:"versions"`
}

// TailResult is the JSON payload of the tail command.
type TailResult struct {
	AnchorID string `json:"anchor_id"`
	Tail     string `json:"tail"`
}

// CheckResult is the JSON payload of the check command, one entry per chain.
type CheckResult struct {
	AnchorID string      `json:"anchor_id"`
	OK       bool        `json:"ok"`
	Links    []CheckLink `json:"links"`
}

// CheckLink is one audited position.
type CheckLink struct {
	Position int    `json:"position"`
	Record   string `json:"record"`
	Status   string `json:"status"`
}

// maxParallelChecks bounds concurrent chain audits.
const maxParallelChecks = 4

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	var key, record, previous string

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a signed record to a local chain",
		Long: `Verify the record against --key and --previous, then append it if
--previous is still the chain's tail (or the tail is a transfer).

Exit code 1 on conflict or verification failure.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			svc, closeFn, err := openService(rootOpts, f)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.Append(cmd.Context(), anchoring.AppendInput{
				AuthorityKey: key,
				Record:       record,
				Previous:     previous,
			})
			if err != nil {
				return failAnchoring(f, err)
			}

			f.VerboseLog("appended %s at position %d", res.Kind, res.Position)
			return f.Success(fmt.Sprintf("%d %s", res.Position, res.Record), AppendResult{
				AnchorID: res.AnchorID,
				Record:   res.Record,
				Kind:     res.Kind.String(),
				Position: res.Position,
				Previous: res.Previous,
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "authority key identifier that owns the chain")
	cmd.Flags().StringVar(&record, "record", "", "signed record identifier")
	cmd.Flags().StringVar(&previous, "previous", "", "the tail this record was signed over")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("record")

	return cmd
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:           "log",
		Short:         "List every record of a chain in append order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			svc, closeFn, err := openService(rootOpts, f)
			if err != nil {
				return err
			}
			defer closeFn()

			chain, err := svc.Versions(cmd.Context(), key)
			if err != nil {
				return failAnchoring(f, err)
			}

			var b strings.Builder
			for i, r := range chain.Records {
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%d %s", i, r)
			}
			if len(chain.Records) == 0 {
				b.WriteString("(empty)")
			}
			return f.Success(b.String(), LogResult{AnchorID: chain.AnchorID, Versions: chain.Records})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "authority key identifier")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:           "tail",
		Short:         "Print the last record of a chain",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			svc, closeFn, err := openService(rootOpts, f)
			if err != nil {
				return err
			}
			defer closeFn()

			tail, err := svc.Tail(cmd.Context(), key)
			if err != nil {
				return failAnchoring(f, err)
			}
			return f.Success(tail, TailResult{AnchorID: key, Tail: tail})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "authority key identifier")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var keys []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Re-verify every link of one or more stored chains",
		Long: `Audit stored chains: each record must verify against the record
stored before it. Records following a transfer are reported as
after_transfer and do not fail the audit.

Exit code 1 if any chain has a failing link.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			svc, closeFn, err := openService(rootOpts, f)
			if err != nil {
				return err
			}
			defer closeFn()

			reports, err := checkAll(cmd.Context(), svc, keys)
			if err != nil {
				return failAnchoring(f, err)
			}

			results := make([]CheckResult, 0, len(reports))
			failed := 0
			var b strings.Builder
			for i, rep := range reports {
				res := CheckResult{AnchorID: rep.AnchorID, OK: rep.OK(), Links: make([]CheckLink, 0, len(rep.Links))}
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%s ok=%v", rep.AnchorID, res.OK)
				for _, l := range rep.Links {
					res.Links = append(res.Links, CheckLink{Position: l.Position, Record: l.Record, Status: string(l.Status)})
					fmt.Fprintf(&b, "\n  %d %s %s", l.Position, l.Status, l.Record)
				}
				if !res.OK {
					failed++
				}
				results = append(results, res)
			}

			if failed > 0 {
				return f.Fail(ExitFailure, "CHECK_FAILED", fmt.Sprintf("%d of %d chain(s) have failing links", failed, len(results)), results, nil)
			}
			return f.Success(b.String(), results)
		},
	}

	cmd.Flags().StringSliceVar(&keys, "key", nil, "authority key identifier (repeatable)")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

// checkAll audits each chain concurrently and returns reports in key order.
func checkAll(ctx context.Context, svc *anchoring.Service, keys []string) ([]anchoring.Report, error) {
	reports := make([]anchoring.Report, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)
	for i, k := range keys {
		g.Go(func() error {
			rep, err := svc.Check(gctx, k)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
