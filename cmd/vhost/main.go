// Package main runs a virtual host: an IPv4 stack on a UDP link with a
// command prompt.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"inetcore/pkg/config"
	"inetcore/pkg/ipstack"
	"inetcore/pkg/link"
	"inetcore/pkg/logging"
	"inetcore/pkg/metrics"
	"inetcore/pkg/ping"
	"inetcore/pkg/repl"
)

func main() {
	var cfgPath string
	rootCmd := &cobra.Command{
		Use:   "vhost",
		Short: "Virtual IPv4 host with sockets and ping",
		Long: `vhost runs a small IPv4 stack whose datagrams travel inside UDP
datagrams to the neighbors listed in its configuration, and reads
commands from standard input.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := start(cfgPath)
			if err != nil {
				return err
			}
			defer h.close()

			r, err := repl.New(h.stack, h.neighbors, h.cfg.Ping, cmd.OutOrStdout(), h.log)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Run(cmd.InOrStdin())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "vhost.yaml", "path to the configuration file")
	rootCmd.AddCommand(pingCmd(&cfgPath), configCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pingCmd(cfgPath *string) *cobra.Command {
	var count int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "ping <remote host>",
		Short: "Ping a host and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := netip.ParseAddr(args[0])
			if err != nil || !dst.Is4() {
				return errors.Errorf("bad ip address '%s'", args[0])
			}
			h, err := start(*cfgPath)
			if err != nil {
				return err
			}
			defer h.close()

			out := cmd.OutOrStdout()
			failed := 0
			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(interval)
				}
				rtt, err := ping.Host(h.stack, dst, h.cfg.Ping, ping.WithLogger(h.log), ping.WithMetrics(h.stack.Metrics()))
				if err != nil {
					failed++
					fmt.Fprintf(out, "Failed to ping '%s': %v\n", dst, err)
					continue
				}
				fmt.Fprintf(out, "Successfully pinged '%s' in %d ms.\n", dst, rtt.Milliseconds())
			}
			if failed == count {
				return errors.Errorf("no reply from %s", dst)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of echo requests")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "pause between requests")
	return cmd
}

func configCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

type host struct {
	cfg       *config.Config
	log       *slog.Logger
	stack     *ipstack.Stack
	neighbors repl.NeighborLister
	metrics   *http.Server
}

func start(path string) (*host, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	addr, _ := cfg.HostAddr()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	h := &host{cfg: cfg, log: log}
	var l ipstack.Link
	switch cfg.Link.Kind {
	case config.LinkLoopback:
		l = ipstack.NewLoopback(1024)
	default:
		neighbors, _ := cfg.Neighbors()
		listen, _ := netip.ParseAddrPort(cfg.Link.Listen)
		u, err := link.ListenUDP(listen, neighbors, log)
		if err != nil {
			return nil, err
		}
		log.Info("link up", logging.KeyLocalAddr, u.LocalAddr(), "neighbors", len(neighbors))
		h.neighbors = u
		l = u
	}

	h.stack, err = ipstack.New(addr, cfg.Stack, l, log, m)
	if err != nil {
		l.Close()
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		h.metrics = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := h.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", logging.KeyError, err)
			}
		}()
	}
	log.Info("host up", logging.KeyLocalAddr, addr)
	return h, nil
}

func (h *host) close() {
	if h.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.metrics.Shutdown(ctx)
	}
	if err := h.stack.Close(); err != nil {
		h.log.Warn("close stack", logging.KeyError, err)
	}
}
