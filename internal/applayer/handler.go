package applayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/logging"
)

// Handler dispatches the downlinks to the registered packages and runs the
// package processing. Downlinks and processing are handled from the same
// goroutine.
type Handler struct {
	sync.RWMutex

	sender   Sender
	mac      MACCommandHandler
	buf      []byte
	interval time.Duration
	packages map[uint8]Package

	// sleepVetoed is the last reported sleep veto, owned by Run.
	sleepVetoed bool
}

// NewHandler creates a new Handler. The mac argument is optional.
func NewHandler(sender Sender, mac MACCommandHandler, bufferSize int, interval time.Duration) (*Handler, error) {
	if sender == nil {
		return nil, errors.New("sender must not be nil")
	}
	if bufferSize <= 0 {
		return nil, errors.New("buffer size must be greater than 0")
	}
	if interval <= 0 {
		return nil, errors.New("process interval must be greater than 0")
	}

	return &Handler{
		sender:   sender,
		mac:      mac,
		buf:      make([]byte, bufferSize),
		interval: interval,
		packages: make(map[uint8]Package),
	}, nil
}

// Register registers the given package and initializes it with the shared
// data buffer.
func (h *Handler) Register(p Package) error {
	h.Lock()
	defer h.Unlock()

	if p.Port() == 0 {
		return errors.New("port 0 is reserved for mac-commands")
	}
	if _, ok := h.packages[p.Port()]; ok {
		return fmt.Errorf("port %d is already registered", p.Port())
	}

	p.Init(h.buf)
	h.packages[p.Port()] = p

	log.WithField("f_port", p.Port()).Info("applayer: package registered")

	return nil
}

// HandleDownlink dispatches the downlink to the package registered on its
// FPort.
func (h *Handler) HandleDownlink(ctx context.Context, ind DownlinkIndication) error {
	ctx, err := logging.NewContextID(ctx)
	if err != nil {
		return err
	}

	downlinkCounter(ind.FPort).Inc()

	if ind.FPort == 0 {
		if h.mac == nil {
			return nil
		}
		return errors.Wrap(h.mac.HandleMACCommands(ind.RXTime, ind.Data), "handle mac-commands error")
	}

	h.RLock()
	p, ok := h.packages[ind.FPort]
	h.RUnlock()

	if !ok {
		log.WithFields(log.Fields{
			"f_port": ind.FPort,
			"ctx_id": logging.ContextID(ctx),
		}).Debug("applayer: no package registered for port")
		return nil
	}

	if !p.IsInitialized() {
		return nil
	}

	return errors.Wrapf(p.OnDownlinkIndication(ctx, ind), "package on port %d", ind.FPort)
}

// Process runs the processing of every initialized package and sends the
// pending mac-commands.
func (h *Handler) Process(ctx context.Context) {
	for _, p := range h.sortedPackages() {
		if !p.IsInitialized() {
			continue
		}

		if err := p.Process(ctx); err != nil {
			log.WithError(err).WithField("f_port", p.Port()).Error("applayer: process package error")
		}
	}

	if h.mac == nil {
		return
	}

	b, err := h.mac.TakeMACCommands()
	if err != nil {
		log.WithError(err).Error("applayer: get mac-commands error")
		return
	}
	if len(b) == 0 {
		return
	}

	if err := h.sender.SendUplink(ctx, Uplink{FPort: 0, Data: b}); err != nil {
		log.WithError(err).Error("applayer: send mac-commands error")
	}
}

// IsTxPending returns true when one of the packages has an answer pending.
func (h *Handler) IsTxPending() bool {
	for _, p := range h.sortedPackages() {
		if p.IsInitialized() && p.IsTxPending() {
			return true
		}
	}
	return false
}

// CanSleep returns false when one of the packages vetoes low-power mode.
func (h *Handler) CanSleep() bool {
	for _, p := range h.sortedPackages() {
		if v, ok := p.(SleepVetoer); ok && p.IsInitialized() && v.VetoSleep() {
			return false
		}
	}
	return true
}

// Run handles the downlinks received on the given channel and runs Process
// on every interval, until the context is cancelled or the channel is
// closed.
func (h *Handler) Run(ctx context.Context, downlinks <-chan DownlinkIndication) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ind, ok := <-downlinks:
			if !ok {
				return nil
			}
			if err := h.HandleDownlink(ctx, ind); err != nil {
				log.WithError(err).WithField("f_port", ind.FPort).Error("applayer: handle downlink error")
			}
		case <-ticker.C:
			h.Process(ctx)
			h.reportPowerState()
		}
	}
}

// reportPowerState publishes the sleep veto and tx-pending state for the
// host power manager and logs every change of the sleep veto.
func (h *Handler) reportPowerState() {
	vetoed := !h.CanSleep()
	txPending := h.IsTxPending()

	sleepVetoGauge.Set(boolToFloat(vetoed))
	txPendingGauge.Set(boolToFloat(txPending))

	if vetoed != h.sleepVetoed {
		h.sleepVetoed = vetoed
		log.WithFields(log.Fields{
			"sleep_vetoed": vetoed,
			"tx_pending":   txPending,
		}).Info("applayer: sleep veto changed")
	}
}

func (h *Handler) sortedPackages() []Package {
	h.RLock()
	defer h.RUnlock()

	out := make([]Package, 0, len(h.packages))
	for port := 0; port < 256; port++ {
		if p, ok := h.packages[uint8(port)]; ok {
			out = append(out, p)
		}
	}
	return out
}
