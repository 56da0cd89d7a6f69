package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"labtrack/api"
	"labtrack/button"
	"labtrack/card"
	"labtrack/eventpipe"
	"labtrack/indicator"
	"labtrack/ledger"
	"labtrack/mqtt"
	"labtrack/pending"
	"labtrack/station"
)

var myBuild string

// commandTimeout bounds a wipe handed to the station from MQTT or the
// button.
const commandTimeout = 15 * time.Second

// App holds the application state and dependencies.
type App struct {
	cfg       *Config
	station   *station.Station
	cards     card.Store
	indicator indicator.Indicator
	mqtt      *mqtt.Client
	mirror    *mqtt.Mirror
	pipe      *eventpipe.EventPipe
	button    *button.Button
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
}

func main() {
	fmt.Printf("labtrack build %s\n", myBuild)

	cfgfile := flag.String("cfg", "labtrack.cfg", "Config file")
	envfile := flag.String("env", ".env", "Optional env file with secrets")
	debug := flag.Bool("debug", false, "Debug logging")
	staffToken := flag.String("staff-token", "", "Print a staff API token for this name and exit")
	tokenTTL := flag.Duration("token-ttl", 12*time.Hour, "Lifetime of --staff-token")
	flag.Parse()

	cfg, err := loadConfig(*cfgfile, *envfile)
	if err != nil {
		log.Fatal(err)
	}
	logFile, err := setupLogging(cfg, *debug)
	if err != nil {
		log.Fatal(err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if *staffToken != "" {
		token, err := api.NewHandler(cfg.API, nil).StaffToken(*staffToken, *tokenTTL)
		if err != nil {
			log.Fatalf("Issue staff token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	// Initialize indicator (LEDs, buzzer, neopixels)
	app.indicator, err = indicator.New(cfg.Indicator)
	if err != nil {
		log.Fatalf("Init indicator: %v", err)
	}

	// Initialize card reader
	app.cards, err = card.New(cfg.Reader)
	if err != nil {
		log.Fatalf("Init reader: %v", err)
	}
	if sim, ok := app.cards.(*card.Memory); ok {
		app.pipe, err = eventpipe.New(cfg.EventPipe, eventpipe.SimHandler(sim, app.requestWipe))
		if err != nil {
			log.Fatalf("Init event pipe: %v", err)
		}
		if app.pipe != nil {
			go app.pipe.Start()
		} else {
			log.Warn("Simulated reader without event_pipe, no card will ever be seen")
		}
	}

	client, err := ledger.NewHTTPClient(cfg.Ledger)
	if err != nil {
		log.Fatalf("Init ledger: %v", err)
	}

	cfg.Station.Defaults()
	app.station, err = station.New(cfg.Station, app.cards,
		pending.NewFileStore(cfg.Station.QueueFile), client, app.indicator)
	if err != nil {
		log.Fatalf("Init station: %v", err)
	}

	// Initialize MQTT
	app.mqtt, err = mqtt.New(cfg.MQTT, cfg.ClientID, mqtt.Handlers{
		OnConnect:    app.onMQTTConnect,
		OnDisconnect: app.onMQTTDisconnect,
		OnMessage:    app.onMQTTMessage,
	})
	if err != nil {
		log.Fatalf("Init MQTT: %v", err)
	}
	app.mirror = mqtt.NewMirror(app.mqtt, cfg.ClientID, cfg.MQTT)
	app.mirror.SetWiper(app.station)
	if app.mqtt.IsEnabled() {
		app.station.SetObserver(app.mirror)
	}
	for _, topic := range app.mirror.Subscriptions() {
		if err := app.mqtt.Subscribe(topic); err != nil {
			log.Errorf("Subscribe error: %v", err)
		}
	}

	// Initialize wipe button if configured
	app.button, err = button.New(cfg.Button, app.requestWipe)
	if err != nil {
		log.Fatalf("Init button: %v", err)
	}
	if app.button != nil {
		log.WithField("pin", cfg.Button.Pin).Info("Wipe button initialized")
	}

	app.server = api.NewServer(cfg.API, api.NewHandler(cfg.API, app.station))

	// Start background goroutines
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := app.station.Run(ctx); err != nil {
			log.Errorf("Station: %v", err)
		}
	}()
	go func() {
		log.WithField("addr", app.server.Addr).Info("HTTP listening")
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server: %v", err)
		}
	}()
	if app.mqtt.IsEnabled() {
		go func() {
			if err := app.mqtt.Connect(); err != nil {
				log.Errorf("MQTT connect: %v", err)
			}
		}()
		go app.mirror.RunPing(ctx, cfg.MQTT.PingInterval)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	done()

	cancel()
	<-runDone

	// Cleanup
	app.mqtt.Disconnect()
	if app.pipe != nil {
		app.pipe.Close()
	}
	if app.button != nil {
		app.button.Release()
	}
	app.cards.Close()
	app.indicator.Release()

	log.Info("Shutdown complete")
}

// requestWipe hands a wipe to the station without blocking the caller,
// which is a GPIO or pipe event goroutine.
func (app *App) requestWipe() {
	go func() {
		ctx, cancel := context.WithTimeout(app.ctx, commandTimeout)
		defer cancel()
		if err := app.station.ManualWipe(ctx); err != nil {
			log.Warnf("Wipe request: %v", err)
		}
	}()
}

func (app *App) onMQTTConnect() {
	app.mirror.Ping()
	indicator.SetConnected(app.indicator)
	app.indicator.Idle()
}

func (app *App) onMQTTDisconnect() {
	app.indicator.ConnectionLost()
}

func (app *App) onMQTTMessage(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(app.ctx, commandTimeout)
	defer cancel()
	if err := app.mirror.HandleMessage(ctx, topic, payload); err != nil {
		log.WithField("topic", topic).Warnf("MQTT command: %v", err)
	}
}
