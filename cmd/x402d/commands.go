package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	redispkg "github.com/huangpi1030-tech/x402-account/internal/store/redis"
	"github.com/huangpi1030-tech/x402-account/internal/verifier"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ingestCmd() *cobra.Command {
	var (
		file    string
		publish bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one evidence JSON document, or publish it to the evidence stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readEvidence(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if publish {
				if a.cfg.Redis.URL == "" {
					return fmt.Errorf("--publish requires REDIS_URL")
				}
				stream, err := redispkg.NewStream(a.cfg.Redis.URL, redispkg.StreamConfig{Stream: a.cfg.Redis.Stream, Group: a.cfg.Redis.Group}, a.logger)
				if err != nil {
					return fmt.Errorf("connect evidence stream: %w", err)
				}
				defer stream.Close()
				id, err := stream.Publish(cmd.Context(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"stream": a.cfg.Redis.Stream, "message_id": id})
			}

			res, err := a.svc.Ingest(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "evidence JSON file, - for stdin")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish to the Redis evidence stream instead of ingesting directly")
	return cmd
}

func readEvidence(stdin io.Reader, file string) (model.EvidenceInput, error) {
	var in model.EvidenceInput
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return in, fmt.Errorf("open evidence: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return in, fmt.Errorf("decode evidence: %w", err)
	}
	return in, nil
}

func verifyCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "verify [event-id]",
		Short: "Verify one record on-chain, or every record awaiting verification",
		Args: func(cmd *cobra.Command, args []string) error {
			if pending {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if pending {
				n, err := a.svc.SchedulePending(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.svc.RunVerification(cmd.Context()); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"verified": n})
			}

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}
			rec, res, err := a.svc.VerifyNow(cmd.Context(), a.verifier, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Record  *model.CanonicalRecord `json:"record"`
				Outcome string                 `json:"outcome"`
				Result  verifier.Result        `json:"result"`
			}{rec, res.Outcome(), res})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "verify every detected, settled or needs_review record")
	return cmd
}

func gapCmd() *cobra.Command {
	var (
		wallet   string
		start    string
		end      string
		lookback time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gap",
		Short: "Compare a wallet's on-chain payments with captured records",
		RunE: func(cmd *cobra.Command, args []string) error {
			to := time.Now().UTC()
			if end != "" {
				t, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				to = t
			}
			from := to.Add(-lookback)
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				from = t
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.svc.RunGapAnalysis(cmd.Context(), wallet, from, to)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), g)
		},
	}
	cmd.Flags().StringVarP(&wallet, "wallet", "w", "", "payer wallet address")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339), defaults to end minus --lookback")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339), defaults to now")
	cmd.Flags().DurationVar(&lookback, "lookback", 24*time.Hour, "window length when --start is omitted")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <event-id>",
		Short: "Print a record and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.svc.Record(cmd.Context(), id)
			if err != nil {
				return err
			}
			entries, err := a.svc.AuditTrail(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Record *model.CanonicalRecord `json:"record"`
				Trail  []model.AuditLogEntry  `json:"audit_trail"`
			}{rec, entries})
		},
	}
}
