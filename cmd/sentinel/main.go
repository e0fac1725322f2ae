package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sentinel/internal/server"
)

func main() {
	log := logrus.New()
	entry := log.WithField("component", "sentinel")

	var (
		host            string
		port            int
		configPath      string
		masterName      string
		masterHost      string
		masterPort      int
		quorum          int
		downAfterMs     int64
		failoverMs      int64
		maxConnections  int
		hzMillis        int
		logLevel        string
	)

	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Supervises primary/replica groups and drives automatic failover",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lvl, err := logrus.ParseLevel(logLevel); err == nil {
				log.SetLevel(lvl)
			}

			cfg := server.DefaultSentinelConfig()
			cfg.Host = host
			cfg.Port = port
			cfg.ConfigPath = configPath
			cfg.MaxConnections = maxConnections
			cfg.HZ = time.Duration(hzMillis) * time.Millisecond

			if masterName != "" {
				cfg.Seeds = []server.MasterSeed{{
					Name:            masterName,
					Host:            masterHost,
					Port:            masterPort,
					Quorum:          quorum,
					DownAfterMillis: downAfterMs,
					FailoverMillis:  failoverMs,
				}}
			}

			srv, err := server.NewSentinelServer(cfg, entry)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				entry.Info("shutting down")
				cancel()
				srv.Shutdown()
			}()

			return srv.Start(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "0.0.0.0", "address to bind the admin listener to")
	flags.IntVar(&port, "port", 26379, "port for the admin listener")
	flags.StringVar(&configPath, "config", "sentinel.conf", "path to the persisted config file")
	flags.StringVar(&masterName, "master-name", "", "name of a primary to monitor at startup")
	flags.StringVar(&masterHost, "master-host", "127.0.0.1", "host of the primary named by --master-name")
	flags.IntVar(&masterPort, "master-port", 6379, "port of the primary named by --master-name")
	flags.IntVar(&quorum, "quorum", 2, "number of supervisors that must agree for ODOWN")
	flags.Int64Var(&downAfterMs, "down-after-ms", 30000, "milliseconds of unavailability before SDOWN")
	flags.Int64Var(&failoverMs, "failover-timeout-ms", 180000, "milliseconds budget for one failover attempt")
	flags.IntVar(&maxConnections, "max-connections", 10000, "max concurrent admin connections")
	flags.IntVar(&hzMillis, "tick-ms", 100, "reactor tick interval in milliseconds")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	if err := cmd.Execute(); err != nil {
		entry.WithError(err).Fatal("sentinel failed")
	}
}
