package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"walletnet/internal/electrum"
	"walletnet/internal/gateway"
	"walletnet/internal/hub"
)

// withApp builds the client stack around a one-shot command
func withApp(opts *rootOptions, run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(opts.cfg, opts.logger, nil)
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, a, args)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every server and print its health",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			a.pool.Probe(cmd.Context())

			type row struct {
				Server    string `json:"server"`
				Status    string `json:"status"`
				Failures  int    `json:"failures"`
				LatencyMs int64  `json:"latencyMs"`
				NextRetry string `json:"nextRetry,omitempty"`
			}
			rows := make([]row, 0)
			for _, r := range a.pool.Records() {
				rr := row{
					Server:    r.Endpoint.String(),
					Status:    r.Status.String(),
					Failures:  r.Failures,
					LatencyMs: r.LastLatency.Milliseconds(),
				}
				if !r.NextRetry.IsZero() {
					rr.NextRetry = r.NextRetry.Format(time.RFC3339)
				}
				rows = append(rows, rr)
			}
			return printJSON(cmd, map[string]any{
				"network": a.cfg.Network,
				"status":  a.pool.Status().String(),
				"servers": rows,
			})
		}),
	}
}

func newTxCmd(opts *rootOptions) *cobra.Command {
	var verbose bool
	c := &cobra.Command{
		Use:   "tx [txid]",
		Short: "Fetch a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			if verbose {
				detail, err := a.gateway.DetailedTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(detail))
				return err
			}
			raw, err := a.gateway.RawTransaction(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), raw)
			return err
		}),
	}
	c.Flags().BoolVar(&verbose, "verbose", false, "print the decoded transaction as returned by the server")
	return c
}

func newBroadcastCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast [raw-tx-hex]",
		Short: "Broadcast a raw transaction",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			hash, err := a.gateway.Broadcast(ctx, args[0])
			if err != nil {
				var retry *gateway.RetryableBroadcastError
				if errors.As(err, &retry) {
					return fmt.Errorf("%w (retry in %s)", err, retry.Hint)
				}
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		}),
	}
}

func newFeeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fee [blocks]",
		Short: "Print the fee estimate and the relay fee",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			blocks := 2
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("blocks must be a positive integer")
				}
				blocks = n
			}
			estimate, err := a.gateway.EstimateFee(ctx, blocks)
			if err != nil {
				return err
			}
			relay, err := a.gateway.RelayFee(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"blocks":   blocks,
				"estimate": estimate,
				"relayFee": relay,
			})
		}),
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [scripthash...]",
		Short: "Print status changes of script hashes until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, unbind, err := startHub(a)
			if err != nil {
				return err
			}
			defer func() {
				unbind()
				h.Close()
			}()

			stream, err := h.MakeStream("")
			if err != nil {
				return err
			}
			defer stream.Close()
			for _, addr := range args {
				if err := h.Subscribe(stream.ID(), addr); err != nil {
					return err
				}
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-stream.Events():
					if !ok {
						return nil
					}
					line := map[string]any{"scripthash": ev.Address, "status": ev.Status}
					if ev.Err != nil {
						line["error"] = ev.Err.Error()
					}
					if err := printJSON(cmd, line); err != nil {
						return err
					}
				}
			}
		}),
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watch []string
	c := &cobra.Command{
		Use:   "serve",
		Short: "Keep the pool healthy, follow the chain tip and export metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger
			cfg := opts.cfg

			var reg *prometheus.Registry
			if cfg.IsMetricsEnabled() {
				reg = prometheus.NewRegistry()
			}
			a, err := newApp(cfg, logger, reg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var srv *http.Server
			if reg != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					logger.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics endpoint started")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error().Err(err).Msg("metrics endpoint failed")
					}
				}()
			}

			go a.pool.Monitor(ctx, cfg.GetMonitorIntervalDuration())

			if err := a.client.WatchHeaders(ctx, func(tip gateway.Tip) {
				a.gateway.ObserveTip(tip.Height)
				logger.Info().Int64("height", tip.Height).Msg("new chain tip")
			}); err != nil {
				logger.Warn().Err(err).Msg("failed to subscribe to headers")
			}

			h, unbind, err := startHub(a)
			if err != nil {
				return err
			}
			defer func() {
				unbind()
				h.Close()
			}()
			if len(watch) > 0 {
				stream, err := h.MakeStream("serve")
				if err != nil {
					return err
				}
				for _, addr := range watch {
					if err := h.Subscribe(stream.ID(), addr); err != nil {
						return err
					}
				}
				go func() {
					for ev := range stream.Events() {
						if ev.Err != nil {
							logger.Warn().Err(ev.Err).Str("scripthash", ev.Address).Msg("subscription failed")
							continue
						}
						logger.Info().Str("scripthash", ev.Address).Str("status", ev.Status).Msg("status changed")
					}
				}()
			}

			<-ctx.Done()
			logger.Info().Msg("shutting down")

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error().Err(err).Msg("error during metrics shutdown")
				}
			}
			return nil
		},
	}
	c.Flags().StringSliceVar(&watch, "watch", nil, "script hashes to subscribe to and log")
	return c
}

// startHub wires the address hub to the electrum watcher and to pool connectivity
func startHub(a *app) (*hub.Hub, func(), error) {
	w := electrum.NewAddressWatcher(a.client, a.cfg.Hub.MaxBatchSize, a.logger)
	h, err := hub.New(w, a.cfg.HubConfig(), a.logger)
	if err != nil {
		return nil, nil, err
	}
	w.Attach(h)
	unbind := electrum.BindConnectivity(a.pool, h)
	return h, unbind, nil
}
