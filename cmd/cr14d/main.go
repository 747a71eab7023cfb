package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shaunagostinho/cr14-rfid/internal/bus"
	"github.com/shaunagostinho/cr14-rfid/internal/cr14"
	"github.com/shaunagostinho/cr14-rfid/internal/device"
	"github.com/shaunagostinho/cr14-rfid/internal/logger"
	"github.com/shaunagostinho/cr14-rfid/internal/server"
	"github.com/shaunagostinho/cr14-rfid/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated reader with demo tags")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Trace bus traffic")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] cr14d starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Reader.Bus = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *debug {
		cfg.Reader.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	r := &reader{cfg: cfg.Reader}
	if err := connectWithRetry(ctx, "reader", r, 10); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Fatalf("[main] %v", err)
	}
	defer r.Close()

	if r.sim != nil {
		period := time.Duration(cfg.Reader.DemoPeriod) * time.Millisecond
		if period > 0 {
			go r.sim.RunDemo(ctx, period)
		}
	}

	engine := cr14.NewEngine(r.chip)
	if cfg.Reader.MaxRounds > 0 {
		engine.MaxRounds = cfg.Reader.MaxRounds
	}
	dev := device.New(engine, device.Options{
		PollInterval: time.Duration(cfg.Reader.PollMs) * time.Millisecond,
		RingSize:     cfg.Reader.RingSize,
	})

	tagLog := logger.New(cfg.Logging)
	defer tagLog.Close()
	dev.Subscribe(tagLog)
	// the session's close event must reach the log before it closes
	defer dev.Close()

	var wg sync.WaitGroup
	if cfg.Serial.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runBridge(ctx, cfg.Serial, dev)
		}()
	}

	if cfg.Server.ListenAddr != "" {
		srv := server.New(cfg, dev, web.FS)
		if err := srv.Run(ctx); err != nil {
			log.Printf("[main] server exited: %v", err)
			cancel()
		}
	}

	<-ctx.Done()
	wg.Wait()
}

// runBridge keeps the UART bridge up, reopening the port when it fails.
func runBridge(ctx context.Context, cfg server.SerialConfig, dev *device.Device) {
	delay := time.Second
	for ctx.Err() == nil {
		port, err := server.OpenSerialPort(cfg.PortPath, cfg.BaudRate)
		if err == nil {
			log.Printf("[bridge] %s @ %d baud", cfg.PortPath, cfg.BaudRate)
			err = server.Bridge(ctx, dev, port)
			delay = time.Second
		}
		if err != nil {
			log.Printf("[bridge] %v (retry in %v)", err, delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// reader opens the configured bus and checks a CR14 answers on it.
type reader struct {
	cfg  server.ReaderConfig
	bus  bus.Bus
	chip *cr14.Chip
	sim  *cr14.Simulator
}

func (r *reader) Connect() error {
	var (
		b   bus.Bus
		err error
	)
	timing := cr14.DefaultTiming
	switch r.cfg.Bus {
	case "demo":
		r.sim = cr14.NewDemoSimulator()
		b = r.sim
	case "mcp2221":
		b, err = bus.OpenMCP2221(bus.MCP2221VendorID, bus.MCP2221ProductID, byte(r.cfg.Address), r.cfg.Debug)
	default:
		b, err = bus.OpenI2CDev(r.cfg.Device, uint16(r.cfg.Address), r.cfg.Debug)
	}
	if err != nil {
		return err
	}
	if r.cfg.NoDelays {
		timing = cr14.Timing{}
	}

	chip := cr14.NewChip(b, timing)
	if err := chip.Probe(); err != nil {
		b.Close()
		return err
	}
	r.bus, r.chip = b, chip
	return nil
}

func (r *reader) Close() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Close()
}

type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. A device that answers but
// is not a CR14 is not retried.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) error {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return nil
		}
		if errors.Is(err, cr14.ErrST25R) || errors.Is(err, cr14.ErrNotCR14) || errors.Is(err, bus.ErrUnsupported) {
			return err
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
