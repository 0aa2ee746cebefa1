// Command satproxyd runs the UDP-facing QUIC proxy, handing packet crypto,
// compression, and framing off to an FPGA/DMA accelerator facade when one is
// available, and falling back to software otherwise.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"

	"github.com/edonshumolli/satellite-quic-proxy/internal/accel"
	"github.com/edonshumolli/satellite-quic-proxy/internal/control"
	"github.com/edonshumolli/satellite-quic-proxy/internal/dma"
	"github.com/edonshumolli/satellite-quic-proxy/internal/quicproxy"
)

// waitSigterm blocks the current goroutine until SIGINT or SIGTERM arrives.
func waitSigterm() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	bind := flag.String("bind", "", "override the proxy bind address")
	port := flag.Int("port", 0, "override the proxy listen port")
	devicePath := flag.String("device", "", "override the accelerator device path")
	acceleration := flag.Bool("acceleration", true, "enable accelerator offload")
	simulation := flag.Bool("simulation", false, "force the simulated accelerator backend")
	verbose := flag.Bool("verbose", false, "enable verbose periodic statistics logging")
	profiling := flag.Bool("profile", false, "enable CPU profiling for the lifetime of the process")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *bind != "" {
		cfg.Proxy.Bind = *bind
	}
	if *port != 0 {
		cfg.Proxy.Port = *port
	}
	if *devicePath != "" {
		cfg.Device.Path = *devicePath
	}
	if !*acceleration {
		cfg.Device.Acceleration = false
	}
	if *simulation {
		cfg.Device.Simulation = true
	}
	if *verbose {
		cfg.Logging.Verbose = true
	}

	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.Logging.Level).Warn("Unrecognized log level, defaulting to info")
	}

	if *profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	var device dma.Device
	if cfg.Device.Acceleration && !cfg.Device.Simulation {
		real, err := dma.OpenRealDevice(cfg.Device.Path)
		if err != nil {
			log.WithError(err).Warn("Failed to open accelerator device, falling back to simulation")
			device = dma.NewSimDevice(int(dma.MaxEngines), 4)
			cfg.Device.Simulation = true
		} else {
			device = real
		}
	} else if cfg.Device.Acceleration {
		device = dma.NewSimDevice(int(dma.MaxEngines), 4)
	}

	facade := accel.NewFacade(device, cfg.Device.Simulation)
	if err := facade.Initialize(); err != nil {
		log.WithError(err).Fatal("Failed to initialize accelerator facade")
	}

	bindAddress := fmt.Sprintf("%s:%d", cfg.Proxy.Bind, cfg.Proxy.Port)
	dispatcher := quicproxy.NewDispatcher(bindAddress, facade, cfg.Device.Acceleration)
	dispatcher.SetVerboseLogging(cfg.Logging.Verbose)
	if err := dispatcher.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start proxy dispatcher")
	}

	var controlServer *control.Server
	if cfg.Control.Enabled {
		controlServer = control.NewServer(dispatcher, facade)
		go func() {
			log.WithField("address", cfg.Control.Listen).Info("Control surface listening")
			if err := startControlServer(cfg.Control.Listen, controlServer); err != nil {
				log.WithError(err).Error("Control surface stopped")
			}
		}()
	}

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				dispatcher.PrintStats()
			case <-stopStats:
				return
			}
		}
	}()

	waitSigterm()
	log.Info("Shutting down..")

	close(stopStats)

	if err := dispatcher.Stop(); err != nil {
		log.WithError(err).Error("Error while stopping dispatcher")
	}
	if err := facade.Close(); err != nil {
		log.WithError(err).Error("Error while closing accelerator facade")
	}
}

func startControlServer(listen string, srv *control.Server) error {
	return http.ListenAndServe(listen, srv)
}
