// Command cudagraphtreesd is the device-server daemon: it exposes a
// graphdevice.Client implementation over net/rpc (standing in for the
// real GPU driver), runs a small self-check workload through its own
// TreeManager to exercise the debug-mode pool consistency sweep, and
// answers cudagraphctl's debug queries.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nicolagi/cudagraphtrees/config"
	"github.com/nicolagi/cudagraphtrees/container"
	"github.com/nicolagi/cudagraphtrees/debugrpc"
	"github.com/nicolagi/cudagraphtrees/graphdevice"
	"github.com/nicolagi/cudagraphtrees/journal"
	"github.com/nicolagi/cudagraphtrees/netutil"
	"github.com/nicolagi/cudagraphtrees/storage"
	"github.com/nicolagi/cudagraphtrees/tensor"
	"github.com/nicolagi/cudagraphtrees/tree"
)

// selfCheckDevice is the only device this daemon ever dispatches
// self-check traffic to; a real deployment would run one cudagraphtreesd
// per GPU, but a single fake device is enough to exercise the sweep.
const selfCheckDevice = 0

func main() {
	// Do NOT turn on agent.ShutdownCleanup: the signal handler below
	// does its own clean shutdown, and letting gops call os.Exit first
	// would skip it.
	if err := agent.Listen(agent.Options{}); err != nil {
		log.WithError(err).Warn("could not start gops agent")
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	base := flag.String("base", config.DefaultBaseDirectoryPath, "base directory for configuration and logs")
	flag.Parse()

	cfg, err := config.Load(*base)
	if err != nil {
		log.WithError(err).Fatal("could not load config")
	}

	store, err := storage.NewStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("could not create journal store")
	}
	j := journal.New(store)

	dev := graphdevice.NewFake()

	gen := &tree.GenerationCounter{}
	c := container.New(selfCheckDevice, dev, simpleFactory, gen,
		tree.WithDebugTrees(cfg.DebugTrees),
		tree.WithSkipWarmup(cfg.SkipWarmup))

	deviceListener, err := netutil.Listen(cfg.DeviceNet, cfg.DeviceAddr)
	if err != nil {
		log.WithError(err).Fatal("could not listen for device RPC")
	}
	deviceServer := rpc.NewServer()
	if err := deviceServer.RegisterName("Service", graphdevice.NewService(dev)); err != nil {
		log.WithError(err).Fatal("could not register device service")
	}

	debugListener, err := netutil.Listen(cfg.DebugNet, cfg.DebugAddr)
	if err != nil {
		log.WithError(err).Fatal("could not listen for debug RPC")
	}
	debugServer := rpc.NewServer()
	if err := debugServer.RegisterName("Service", debugrpc.NewService(c)); err != nil {
		log.WithError(err).Fatal("could not register debug service")
	}

	var eg errgroup.Group
	eg.Go(func() error { return serveRPC(deviceServer, deviceListener) })
	eg.Go(func() error { return serveRPC(debugServer, debugListener) })
	go func() {
		if err := eg.Wait(); err != nil {
			log.WithError(err).Debug("rpc servers stopped")
		}
	}()

	ctx, cancelSelfCheck := context.WithCancel(context.Background())
	go runSelfCheckLoop(ctx, c)

	var sweepCancel context.CancelFunc
	if cfg.DebugTrees {
		var sweepCtx context.Context
		sweepCtx, sweepCancel = context.WithCancel(context.Background())
		go runSweepLoop(sweepCtx, c)
	}

	log.WithFields(log.Fields{
		"device_addr": cfg.DeviceAddr,
		"debug_addr":  cfg.DebugAddr,
	}).Info("cudagraphtreesd ready")

	sig := <-sigc
	log.WithField("signal", sig).Info("shutting down")
	cancelSelfCheck()
	if sweepCancel != nil {
		sweepCancel()
	}
	if m := c.Manager(); m != nil {
		if err := j.RecordSession("cudagraphtreesd", m); err != nil {
			log.WithError(err).Warn("could not journal session on shutdown")
		}
	}
	_ = deviceListener.Close()
	_ = debugListener.Close()
	agent.Close()
}

func serveRPC(server *rpc.Server, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, server)
	return http.Serve(listener, mux)
}

func simpleFactory(ctx context.Context, dev graphdevice.Client, device int, meta tensor.Metadata) (tensor.Tensor, error) {
	desc, err := dev.ConstructStorage(ctx, device, uint64(meta.Addr), meta.Size)
	if err != nil {
		return nil, err
	}
	return tensor.NewSimple(tensor.Address(desc.Address), meta), nil
}

// selfCheckModel allocates one output block on the device, giving the
// daemon's own manager something to record and replay so that its
// diagnostics and the consistency sweep have real state to report on.
func selfCheckModel(ctx context.Context, dev graphdevice.Client, pool graphdevice.PoolID, device int, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	addr, err := dev.Alloc(ctx, device, pool, 64)
	if err != nil {
		return nil, err
	}
	meta := tensor.Metadata{Size: 64, Addr: tensor.Address(addr), Device: device}
	return []tensor.Tensor{tensor.NewSimple(tensor.Address(addr), meta)}, nil
}

// runSelfCheckLoop installs and repeatedly calls selfCheckModel, so the
// daemon always has at least one recorded, replayable path to report
// through debugrpc and to sweep for pool consistency.
func runSelfCheckLoop(ctx context.Context, c *container.Container) {
	callable, err := container.Install(ctx, c, selfCheckModel, nil, nil)
	if err != nil {
		log.WithError(err).Warn("self-check install failed")
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := callable.Run(ctx, nil); err != nil {
				log.WithError(err).Warn("self-check run failed")
			}
		}
	}
}

func runSweepLoop(ctx context.Context, c *container.Container) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}
