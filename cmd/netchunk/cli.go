package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/orchestrator"
	"github.com/pyropy/netchunk/internal/repair"
)

func open(c *cli.Context) (*runtime, error) {
	return newRuntime(c.String("config"), c.Bool("verbose"), c.Bool("quiet"))
}

var uploadCmd = &cli.Command{
	Name:      "upload",
	Usage:     "split, hash, and replicate a local file",
	ArgsUsage: "<local> <remote>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("usage: netchunk upload <local> <remote>", 1)
		}
		local, remote := c.Args().Get(0), c.Args().Get(1)

		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		m, stats, err := rt.orchestrator.Upload(context.Background(), local, remote, nil)
		if err != nil {
			return cli.Exit(fmt.Sprintf("upload failed: %v", err), 1)
		}

		fmt.Printf("uploaded %s as %s (%d chunks, %d bytes)\n", local, remote, m.ChunkCount, m.TotalSize)
		if c.Bool("stats") {
			printStats(stats)
		}
		return nil
	},
}

var downloadCmd = &cli.Command{
	Name:      "download",
	Usage:     "reconstruct a file from surviving replicas",
	ArgsUsage: "<remote> <local>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("usage: netchunk download <remote> <local>", 1)
		}
		remote, local := c.Args().Get(0), c.Args().Get(1)

		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		stats, err := rt.orchestrator.Download(context.Background(), remote, local, true)
		if err != nil {
			return cli.Exit(fmt.Sprintf("download failed: %v", err), 1)
		}

		fmt.Printf("downloaded %s to %s (%d bytes)\n", remote, local, stats.Bytes)
		if c.Bool("stats") {
			printStats(stats)
		}
		return nil
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "list known files",
	Action: func(c *cli.Context) error {
		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		names, err := rt.orchestrator.List(context.Background())
		if err != nil {
			return cli.Exit(fmt.Sprintf("list failed: %v", err), 1)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var deleteCmd = &cli.Command{
	Name:      "delete",
	Usage:     "remove all replicas and the manifest",
	ArgsUsage: "<remote>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("usage: netchunk delete <remote>", 1)
		}

		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		if err := rt.orchestrator.Delete(context.Background(), c.Args().Get(0)); err != nil {
			return cli.Exit(fmt.Sprintf("delete failed: %v", err), 1)
		}
		fmt.Println("deleted", c.Args().Get(0))
		return nil
	},
}

var verifyCmd = &cli.Command{
	Name:      "verify",
	Usage:     "probe replica health, optionally repairing",
	ArgsUsage: "<remote>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("usage: netchunk verify <remote> [--repair]", 1)
		}
		remote := c.Args().Get(0)

		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		ctx := context.Background()
		m, err := rt.orchestrator.FetchManifest(ctx, remote)
		if err != nil {
			return cli.Exit(fmt.Sprintf("verify failed: %v", err), 1)
		}

		mode := repair.VerifyOnly
		if c.Bool("repair") && rt.cfg.Repair.AutoRepairEnabled {
			mode = repair.AutoRepair
		}

		report, err := rt.repair.Run(ctx, m, remote, mode)
		if err != nil {
			return cli.Exit(fmt.Sprintf("verify failed: %v", err), 1)
		}

		fmt.Printf("chunks_verified=%d healthy=%d degraded=%d critical=%d lost=%d\n",
			report.ChunksVerified, report.Healthy, report.Degraded, report.Critical, report.Lost)

		if report.Lost > 0 {
			return cli.Exit("some chunks are unrecoverable", 1)
		}
		return nil
	},
}

var rebalanceCmd = &cli.Command{
	Name:      "rebalance",
	Usage:     "even out per-server chunk holdings for a file",
	ArgsUsage: "<remote>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("usage: netchunk rebalance <remote>", 1)
		}
		remote := c.Args().Get(0)

		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		ctx := context.Background()
		m, err := rt.orchestrator.FetchManifest(ctx, remote)
		if err != nil {
			return cli.Exit(fmt.Sprintf("rebalance failed: %v", err), 1)
		}

		moves, err := rt.repair.Rebalance(ctx, m, remote)
		if err != nil {
			return cli.Exit(fmt.Sprintf("rebalance failed: %v", err), 1)
		}
		fmt.Printf("moved %d chunks\n", moves)
		return nil
	},
}

var healthCmd = &cli.Command{
	Name:  "health",
	Usage: "probe every configured server",
	Action: func(c *cli.Context) error {
		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		results := rt.health.ProbeOnce(context.Background())

		allHealthy := true
		for _, s := range results {
			fmt.Printf("%s\t%s\t%v\n", s.ServerID, s.Status, s.LastLatency)
			if s.Status != model.ServerStatusHealthy {
				allHealthy = false
			}
		}

		if !allHealthy {
			return cli.Exit("not all servers are healthy", 1)
		}
		return nil
	},
}

var watchCmd = &cli.Command{
	Name:  "watch",
	Usage: "run the ticking health probe until interrupted",
	Action: func(c *cli.Context) error {
		rt, err := open(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer rt.Close()

		if !rt.cfg.General.HealthMonitoringEnabled {
			return cli.Exit("health_monitoring_enabled is false in config", 1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-shutdown
			rt.log.Infow("watch stopping", "signal", "received")
			cancel()
		}()

		rt.log.Infow("watch starting", "interval", rt.cfg.General.HealthCheckInterval)
		rt.health.Run(ctx)
		return nil
	},
}

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "print the netchunk version",
	Action: func(c *cli.Context) error {
		fmt.Println("netchunk", version)
		return nil
	},
}

func printStats(s *orchestrator.Stats) {
	fmt.Printf("bytes=%d chunks=%d servers=%d retries=%d\n", s.Bytes, s.ChunkCount, len(s.ServersTouched), s.Retries)
}
