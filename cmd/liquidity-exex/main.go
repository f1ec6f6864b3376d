// Command liquidity-exex wires the Whitelist Ingestor, Pool Tracker, Chain
// Processor, and Fan-out Socket Server into a running process. Host
// notification delivery itself is out of scope (see internal/host); this
// entrypoint drives the pipeline against host.NoopStream until a concrete
// node integration supplies its own host.Stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ethpools/liquidity-exex/internal/chainproc"
	"github.com/ethpools/liquidity-exex/internal/host"
	"github.com/ethpools/liquidity-exex/internal/resync"
	"github.com/ethpools/liquidity-exex/internal/socket"
	"github.com/ethpools/liquidity-exex/internal/tracker"
	"github.com/ethpools/liquidity-exex/internal/whitelist"
)

// defaultV4ManagerAddress is the canonical Uniswap-V4-style pool manager
// singleton address on Ethereum mainnet.
const defaultV4ManagerAddress = "0x000000000004444c5dc75cB358380D2e3dE08A90"

var (
	natsURLFlag = &cli.StringFlag{
		Name:    "nats-url",
		EnvVars: []string{"NATS_URL"},
		Value:   "nats://127.0.0.1:4222",
		Usage:   "NATS server URL the whitelist bus is published on",
	}
	chainFlag = &cli.StringFlag{
		Name:    "chain",
		EnvVars: []string{"CHAIN"},
		Value:   "ethereum",
		Usage:   "chain label segment of the whitelist.pools.<chain>.minimal subject",
	}
	managerAddrFlag = &cli.StringFlag{
		Name:  "v4-manager-address",
		Value: defaultV4ManagerAddress,
		Usage: "address of the V4 pool manager singleton contract",
	}
	socketPathFlag = &cli.StringFlag{
		Name:  "socket-path",
		Value: socket.DefaultSocketPath,
		Usage: "filesystem path of the subscriber rendezvous socket",
	}
)

func main() {
	app := &cli.App{
		Name:   "liquidity-exex",
		Usage:  "liquidity event pipeline extension",
		Flags:  []cli.Flag{natsURLFlag, chainFlag, managerAddrFlag, socketPathFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		gethlog.Error("liquidity-exex: exiting", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := tracker.New(common.HexToAddress(c.String(managerAddrFlag.Name)))
	sock := socket.New(socket.WithSocketPath(c.String(socketPathFlag.Name)))
	signaler := resync.New(resync.DefaultCapacity)
	proc := chainproc.New(host.NoopStream{}, nil, tr, signaler, sock)

	ingestor := whitelist.New(whitelist.Config{
		URL:   c.String(natsURLFlag.Name),
		Chain: c.String(chainFlag.Name),
	}, tr)

	return runPipeline(ctx, proc, ingestor, sock)
}

func runPipeline(ctx context.Context, proc *chainproc.Processor, ingestor *whitelist.Ingestor, sock *socket.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sock.Run(gctx) })
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		// Shutdown was requested; every task unwinding in response is a
		// clean exit regardless of which error each returned.
		return nil
	}
	return err
}
