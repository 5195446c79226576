package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-applayer-device/internal/applayer"
	"github.com/brocaar/chirpstack-applayer-device/internal/applayer/multicastsetup"
	"github.com/brocaar/chirpstack-applayer-device/internal/backend/mqtt"
	"github.com/brocaar/chirpstack-applayer-device/internal/band"
	"github.com/brocaar/chirpstack-applayer-device/internal/config"
	"github.com/brocaar/chirpstack-applayer-device/internal/mac"
	"github.com/brocaar/chirpstack-applayer-device/internal/monitoring"
	"github.com/brocaar/chirpstack-applayer-device/internal/storage"
)

var (
	backend  *mqtt.Backend
	macLayer *mac.Layer
	handler  *applayer.Handler
)

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := []func() error{
		setLogLevel,
		setSyslog,
		setupBand,
		printStartMessage,
		setupMonitoring,
		setupStorage,
		setupBackend(ctx),
		setupMAC(ctx),
		setupApplicationLayer,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- handler.Run(ctx, backend.DownlinkChan())
	}()

	sigChan := make(chan os.Signal, 1)
	exitChan := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received")
	case err := <-runErr:
		return errors.Wrap(err, "application layer handler error")
	}

	go func() {
		log.Warning("stopping chirpstack-applayer-device")
		// closing the backend closes the downlink channel, which stops the
		// handler loop
		if err := backend.Close(); err != nil {
			log.Fatal(err)
		}
		if err := <-runErr; err != nil {
			log.WithError(err).Error("application layer handler error")
		}
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
		"dev_eui": config.C.Device.DevEUI,
		"band":    config.C.MAC.Band.Name,
	}).Info("starting ChirpStack Application Layer Device")
	return nil
}

func setupBand() error {
	if err := band.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup band error")
	}
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupStorage() error {
	if !config.C.MAC.PersistMulticastGroups {
		return nil
	}

	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupBackend(ctx context.Context) func() error {
	return func() error {
		if config.C.Backend.Type != "mqtt" {
			return errors.Errorf("unexpected backend type: %s", config.C.Backend.Type)
		}

		var err error
		backend, err = mqtt.NewBackend(ctx, config.C)
		if err != nil {
			return errors.Wrap(err, "setup mqtt backend error")
		}
		return nil
	}
}

func setupMAC(ctx context.Context) func() error {
	return func() error {
		c := mac.Config{
			Band:          band.Band(),
			MinFrequency:  config.C.MAC.Band.MinFrequency,
			MaxFrequency:  config.C.MAC.Band.MaxFrequency,
			MaxMcGroups:   config.C.MAC.MaxMulticastGroups,
			OnClassChange: backend.PublishClassChange,
		}
		if config.C.MAC.PersistMulticastGroups {
			c.Store = storage.NewMulticastChannelStore(config.C.Device.DevEUI)
		}

		var err error
		macLayer, err = mac.NewLayer(c)
		if err != nil {
			return errors.Wrap(err, "new mac layer error")
		}

		if err := macLayer.Load(ctx); err != nil {
			return errors.Wrap(err, "load multicast channels error")
		}
		return nil
	}
}

func setupApplicationLayer() error {
	var err error
	handler, err = applayer.NewHandler(backend, macLayer, config.C.Device.DataBufferSize, config.C.Device.ProcessInterval)
	if err != nil {
		return errors.Wrap(err, "new application layer handler error")
	}

	mcSetup := multicastsetup.New(macLayer, backend)
	mcSetup.RegisterPowersaveHandler(func() {
		log.Info("multicastsetup: class-c session about to start")
	})

	if err := handler.Register(mcSetup); err != nil {
		return errors.Wrap(err, "register multicast setup package error")
	}

	return nil
}
