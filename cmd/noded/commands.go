package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clusterd/noded/cluster/driver"
	"github.com/clusterd/noded/cluster/epochlog"
	"github.com/clusterd/noded/cluster/membership"
	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/cluster/request"
	"github.com/clusterd/noded/cluster/status"
	"github.com/clusterd/noded/internal/config"
	"github.com/clusterd/noded/internal/metrics"
)

func buildCore(cfg config.Config) (*membership.Core, *request.Path, error) {
	zone, err := cfg.ResolvedZone()
	if err != nil {
		return nil, nil, err
	}
	log, err := epochlog.Open(cfg.EpochLogDir)
	if err != nil {
		return nil, nil, err
	}
	self := node.NewNode(net.ParseIP(cfg.Addr), cfg.Port, zone, cfg.NrVnodes)

	// A real deployment wires a networked driver; the single-process Hub
	// below is the in-process stand-in documented for this build.
	hub := driver.NewHub()
	drv := driver.NewStub(hub)

	mcfg := membership.Config{
		ProtoVer:  1,
		NrCopies:  cfg.NrCopies,
		NrVnodes:  cfg.NrVnodes,
		StoreName: cfg.StoreName,
	}
	core := membership.NewCore(mcfg, self, drv, log, nil)
	core.SetProber(membership.NewTCPProber(0))
	if err := core.Start(); err != nil {
		return nil, nil, err
	}

	accessLog, err := request.NewAccessLogger()
	if err != nil {
		return nil, nil, err
	}
	reqPath := request.New(drv, core.Serializer(), accessLog)
	core.AddNotifyObserver(reqPath.HandleNotifyDelivery)

	return core, reqPath, nil
}

func newCreateClusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-cluster",
		Short: "format a brand-new cluster with this node as its founding member",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			core, reqPath, err := buildCore(cfg)
			if err != nil {
				return err
			}
			defer reqPath.Close()
			if err := core.Format(); err != nil {
				return err
			}
			fmt.Printf("cluster formatted: epoch=%d\n", core.Epoch())
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var showNodes bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the current cluster status from the on-disk epoch log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			log, err := epochlog.Open(cfg.EpochLogDir)
			if err != nil {
				return err
			}
			if log.IsEmpty() {
				fmt.Println("status: wait-format (no epoch recorded yet)")
				return nil
			}
			epoch := log.ReadLatest()
			rec, err := log.Read(epoch)
			if err != nil {
				return err
			}
			fmt.Printf("epoch: %d\nctime: %d\nmembers: %d\n", rec.Epoch, rec.Ctime, len(rec.Members))
			if showNodes {
				printNodeTable(rec.Members)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showNodes, "nodes", false, "print the member table for the latest epoch")
	return cmd
}

func printNodeTable(members []node.Node) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Addr", "Port", "Zone", "Vnodes", "Gateway"})
	for _, m := range members {
		table.Append([]string{
			net.IP(m.Addr[:]).String(),
			fmt.Sprintf("%d", m.Port),
			fmt.Sprintf("%d", m.Zone),
			fmt.Sprintf("%d", m.NrVnodes),
			fmt.Sprintf("%t", m.IsGateway()),
		})
	}
	table.Render()
}

func newServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the node, formatting a new cluster if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			core, reqPath, err := buildCore(cfg)
			if err != nil {
				return err
			}
			defer reqPath.Close()
			if core.Status() == status.WaitFormat {
				if err := core.Format(); err != nil {
					return err
				}
			}

			reg := prometheus.NewRegistry()
			metrics.MustRegister(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: metricsAddr, Handler: mux}

			go func() {
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					core.ReportMetrics()
					metrics.PendingRequests.Set(float64(reqPath.Pending()))
				}
			}()

			go func() {
				_ = srv.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return core.Leave()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "address to serve /metrics on")
	return cmd
}
