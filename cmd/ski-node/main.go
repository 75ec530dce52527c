package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/maxdeliso/typed-ski/internal/network"
	"github.com/maxdeliso/typed-ski/kernel/arena"
	"github.com/maxdeliso/typed-ski/kernel/reduce"
	"github.com/maxdeliso/typed-ski/kernel/utils"
	"github.com/maxdeliso/typed-ski/kernel/worker"
	"github.com/maxdeliso/typed-ski/wasm"
)

func main() {
	var (
		capacity    = flag.Uint("capacity", 1<<20, "initial arena node capacity (power of two)")
		maxCapacity = flag.Uint("max-capacity", 1<<22, "capacity ceiling the region is sized for")
		ringCap     = flag.Uint("ring", 1024, "ring slot count (power of two)")
		workers     = flag.Int("workers", 2, "worker goroutines")
		shmPath     = flag.String("shm", "", "shared memory file path (empty: process-local region)")
		connect     = flag.Bool("connect", false, "attach to an existing shared region instead of initializing")
		listen      = flag.String("listen", "", "comma-separated libp2p listen multiaddrs (empty: no gateway)")
		wasmPath    = flag.String("wasm-module", "", "optional sandboxed evaluator module to verify at startup")
	)
	flag.Parse()

	log := utils.DefaultLogger("ski-node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openArena(*shmPath, *connect, uint32(*capacity), uint32(*maxCapacity), uint32(*ringCap))
	if err != nil {
		log.Fatal("arena setup failed", utils.Err(err))
	}

	if *wasmPath != "" {
		bytes, err := os.ReadFile(*wasmPath)
		if err != nil {
			log.Fatal("read wasm module", utils.Err(err))
		}
		if _, err := wasm.NewEvaluator(bytes); err != nil {
			log.Fatal("wasm evaluator rejected", utils.Err(err))
		}
		log.Info("sandboxed evaluator available", utils.String("module", *wasmPath))
	}

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		w := worker.New(a, worker.Config{Logger: utils.DefaultLogger("worker")})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	log.Info("workers started", utils.Int("count", *workers))

	shutdown := utils.NewGracefulShutdown(5*time.Second, log)

	if *listen != "" {
		gw, err := network.StartGateway(ctx, a, network.GatewayConfig{
			ListenAddrs: strings.Split(*listen, ","),
			Logger:      utils.DefaultLogger("gateway"),
		})
		if err != nil {
			log.Fatal("gateway failed", utils.Err(err))
		}
		for _, addr := range gw.Host().Addrs() {
			log.Info("listening", utils.String("addr", addr.String()+"/p2p/"+gw.Host().ID().String()))
		}
		shutdown.Register(gw.Close)
	}

	selfCheck(a, log)

	<-ctx.Done()
	wg.Wait()
	_ = shutdown.Shutdown(context.Background())
}

func openArena(shmPath string, connect bool, capacity, maxCapacity, ringCap uint32) (*arena.Arena, error) {
	opts := arena.Options{Capacity: capacity, MaxCapacity: maxCapacity, RingCapacity: ringCap}
	if shmPath == "" {
		return arena.New(opts)
	}
	if connect {
		prov, err := arena.OpenSharedMemory(arena.SharedMemoryOptions{Path: shmPath})
		if err != nil {
			return nil, err
		}
		return arena.Connect(prov)
	}
	maxL, err := arena.ComputeLayout(maxCapacity, ringCap)
	if err != nil {
		return nil, err
	}
	prov, err := arena.OpenSharedMemory(arena.SharedMemoryOptions{Path: shmPath, Size: maxL.Total, Create: true})
	if err != nil {
		return nil, err
	}
	return arena.Init(prov, opts)
}

// selfCheck reduces (K S) I synchronously and reports the result, so a
// fresh deployment fails loudly instead of quietly serving garbage.
func selfCheck(a *arena.Arena, log *utils.Logger) {
	s := a.AllocTerminal(arena.SymS)
	k := a.AllocTerminal(arena.SymK)
	i := a.AllocTerminal(arena.SymI)
	expr := a.AllocApplication(a.AllocApplication(k, s), i)
	got := reduce.Reduce(a, expr, 10)
	if got != s {
		log.Fatal("self check failed", utils.Uint32("got", got), utils.Uint32("want", s))
	}
	log.Info("self check passed", utils.Uint32("nodes", a.Top()))
}
