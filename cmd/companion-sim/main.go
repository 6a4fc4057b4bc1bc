package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/user/companion-blue/app"
	"github.com/user/companion-blue/bridge"
	"github.com/user/companion-blue/config"
	"github.com/user/companion-blue/device"
	"github.com/user/companion-blue/frame"
	"github.com/user/companion-blue/logger"
	"github.com/user/companion-blue/wire"
)

var (
	configPath string
	logLevel   string
	dataDir    string
)

func main() {
	root := &cobra.Command{
		Use:   "companion-sim",
		Short: "Simulated AI companion wearable and its phone app",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dataDir != "" {
				os.Setenv("COMPANION_BLUE_DIR", dataDir)
			}
			if logLevel != "" {
				logger.SetLevel(logger.ParseLevel(logLevel))
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN or ERROR (overrides the config file)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the simulation data directory")

	root.AddCommand(deviceCmd(), appCmd(), demoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel == "" {
		logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	}
	return cfg, nil
}

// consoleDisplay renders the wearable's screen as log lines.
type consoleDisplay struct{ prefix string }

func (d *consoleDisplay) ShowMessage(text string) {
	fmt.Printf("[%s screen] %s\n", d.prefix, text)
}

func (d *consoleDisplay) SetConnectionState(state device.ConnectionState) {
	fmt.Printf("[%s screen] status: %s\n", d.prefix, state)
}

func (d *consoleDisplay) SetBattery(percent int) {
	fmt.Printf("[%s screen] battery: %d%%\n", d.prefix, percent)
}

func startDevice(cfg config.Config, hardwareUUID string) (*device.Session, *wire.Wire, error) {
	w := wire.NewWire(hardwareUUID)
	session := device.NewSession(device.Config{
		HardwareUUID:      hardwareUUID,
		Name:              cfg.Device.Name,
		ServiceUUID:       cfg.Device.ServiceUUID,
		RxCharUUID:        cfg.Device.RxCharUUID,
		TxCharUUID:        cfg.Device.TxCharUUID,
		HistoryCapacity:   cfg.Device.HistoryCapacity,
		FrameLimit:        cfg.Device.FrameLimit,
		HeartbeatInterval: time.Duration(cfg.Device.HeartbeatSecs) * time.Second,
	}, w, &consoleDisplay{prefix: cfg.Device.Name})

	if err := session.Bind(w); err != nil {
		return nil, nil, err
	}
	if err := w.Start(); err != nil {
		return nil, nil, err
	}
	session.Start()
	return session, w, nil
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Run the wearable peripheral",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			hardwareUUID := uuid.New().String()
			session, w, err := startDevice(cfg, hardwareUUID)
			if err != nil {
				return err
			}
			defer w.Stop()
			defer session.Stop()

			// Battery simulation lives outside the session core; the
			// wearable's ADC would feed this in real hardware.
			display := &consoleDisplay{prefix: cfg.Device.Name}
			stopBattery := make(chan struct{})
			defer close(stopBattery)
			go func() {
				ticker := time.NewTicker(60 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-stopBattery:
						return
					case <-ticker.C:
						display.SetBattery(75 + rand.Intn(25))
					}
				}
			}()

			fmt.Printf("Device %s advertising as %q. Ctrl-C to stop.\n", hardwareUUID[:8], cfg.Device.Name)
			waitForInterrupt()
			return nil
		},
	}
}

// appDelegate prints session lifecycle events and greets the device.
type appDelegate struct {
	connected chan string
}

func (d *appDelegate) DidConnect(s *app.Session, peerUUID string) {
	fmt.Printf("Connected to device %s\n", peerUUID[:8])
	select {
	case d.connected <- peerUUID:
	default:
	}
}

func (d *appDelegate) DidFailToConnect(s *app.Session, peerUUID string, err error) {
	fmt.Printf("Connection to %s failed: %v\n", peerUUID[:8], err)
}

func (d *appDelegate) DidDisconnect(s *app.Session, peerUUID string) {
	fmt.Printf("Device %s disconnected\n", peerUUID[:8])
}

func (d *appDelegate) DidTimeout(s *app.Session) {
	fmt.Println("Scan timed out: no device found")
}

func appCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "app",
		Short: "Run the companion phone app",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			hardwareUUID := uuid.New().String()
			w := wire.NewWire(hardwareUUID)
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			delegate := &appDelegate{connected: make(chan string, 1)}
			session := app.NewSession(app.Config{
				HardwareUUID:         hardwareUUID,
				TargetName:           cfg.App.TargetName,
				ServiceUUID:          cfg.App.ServiceUUID,
				RxCharUUID:           cfg.App.RxCharUUID,
				TxCharUUID:           cfg.App.TxCharUUID,
				BroadScanDuration:    time.Duration(cfg.App.BroadScanSecs) * time.Second,
				TargetedScanDuration: time.Duration(cfg.App.TargetedScanSecs) * time.Second,
				ScanMargin:           time.Duration(cfg.App.ScanMarginSecs) * time.Second,
				RequestedMTU:         cfg.App.RequestedMTU,
				FrameLimit:           cfg.App.FrameLimit,
			}, w, nil, delegate)
			session.Bind(w)

			// Optional UI bridge: frames cross it as base64 text
			if cfg.App.BridgeListenAddr != "" {
				hub := bridge.NewHub(func(data []byte) {
					f, err := frame.Decode(data)
					if err != nil {
						return
					}
					session.Log().Append(f.Message, app.OriginUser)
					session.Send(f)
				})
				defer hub.Close()
				w.SetMessageHandler(func(peer string, msg *wire.Message) {
					if msg.Op != wire.OpNotify || msg.CharacteristicUUID != cfg.App.TxCharUUID {
						return
					}
					hub.BroadcastFrame(msg.Data)
					session.HandleNotification(peer, msg.Data)
				})
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/ws", hub)
					if err := http.ListenAndServe(cfg.App.BridgeListenAddr, mux); err != nil {
						logger.Error("bridge", "listen on %s: %v", cfg.App.BridgeListenAddr, err)
					}
				}()
				fmt.Printf("UI bridge listening on %s\n", cfg.App.BridgeListenAddr)
			}

			if err := session.StartScan(); err != nil {
				return err
			}
			fmt.Printf("Scanning for %q...\n", cfg.App.TargetName)

			go func() {
				<-delegate.connected
				// Settle, then greet
				time.Sleep(300 * time.Millisecond)
				if err := session.SendHello(); err != nil {
					fmt.Printf("hello failed: %v\n", err)
				}
			}()

			waitForInterrupt()
			if session.State() == app.StateConnected {
				session.Disconnect()
			}
			return nil
		},
	}
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run both roles in-process and exchange messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			deviceUUID := uuid.New().String()
			devSession, devWire, err := startDevice(cfg, deviceUUID)
			if err != nil {
				return err
			}
			defer devWire.Stop()
			defer devSession.Stop()

			appUUID := uuid.New().String()
			appWire := wire.NewWire(appUUID)
			if err := appWire.Start(); err != nil {
				return err
			}
			defer appWire.Stop()

			delegate := &appDelegate{connected: make(chan string, 1)}
			session := app.NewSession(app.Config{
				HardwareUUID: appUUID,
				TargetName:   cfg.App.TargetName,
				RequestedMTU: cfg.App.RequestedMTU,
				FrameLimit:   cfg.App.FrameLimit,
			}, appWire, nil, delegate)
			session.Bind(appWire)

			if err := session.StartScan(); err != nil {
				return err
			}

			select {
			case <-delegate.connected:
			case <-time.After(20 * time.Second):
				return fmt.Errorf("demo: device never connected")
			}

			time.Sleep(300 * time.Millisecond)
			session.SendHello()
			time.Sleep(300 * time.Millisecond)
			session.SendTest("Testing the link, can you hear me?")
			time.Sleep(300 * time.Millisecond)
			session.SendAIRequest("What can you do?")
			time.Sleep(500 * time.Millisecond)

			devSession.PressButton()
			time.Sleep(500 * time.Millisecond)

			fmt.Println("\n=== Conversation log ===")
			for _, msg := range session.Log().Messages() {
				fmt.Printf("%s [%s] %s\n", msg.Timestamp.Format("15:04:05.000"), msg.Origin, msg.Text)
			}

			fmt.Println("\n=== Device history ===")
			for i, entry := range devSession.History().Snapshot() {
				fmt.Printf("%2d. %s\n", i+1, entry)
			}

			session.Disconnect()
			return nil
		},
	}
}

func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
