package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/spf13/cobra"

	"github.com/airhao3/ispinfo/pkg/lookup"
)

const defaultLookupConcurrency = 8

type lookupLine struct {
	*lookup.Result
	IP    string `json:"ip"`
	Error string `json:"error,omitempty"`
}

func newLookupCmd(g *globalFlags) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "lookup <ip> [ip...]",
		Short: "Resolve IPv4 addresses and print one JSON line per address",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if concurrency < 1 {
				return errors.New("concurrency must be positive")
			}

			db, err := openStore(ctx, log, cfg.Store)
			if err != nil {
				return err
			}
			defer db.Close()

			engine, err := lookup.New(lookup.Config{Logger: log, Reader: db})
			if err != nil {
				return err
			}

			pool := pond.NewResultPool[lookupLine](concurrency)
			defer pool.StopAndWait()
			group := pool.NewGroupContext(ctx)
			for _, ip := range args {
				group.SubmitErr(func() (lookupLine, error) {
					res, err := engine.Lookup(ctx, ip)
					if err != nil {
						if errors.Is(err, lookup.ErrInvalidAddress) {
							return lookupLine{IP: ip, Error: "Invalid IP address format"}, nil
						}
						return lookupLine{}, err
					}
					return lookupLine{Result: &res, IP: res.IP}, nil
				})
			}
			lines, err := group.Wait()
			if err != nil {
				return fmt.Errorf("failed to resolve addresses: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			invalid := 0
			for _, line := range lines {
				if line.Error != "" {
					invalid++
				}
				if err := enc.Encode(line); err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d addresses are invalid", invalid, len(lines))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", defaultLookupConcurrency, "addresses resolved in parallel")
	return cmd
}
