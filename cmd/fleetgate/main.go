package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/broadcast"
	"github.com/fleetgate/fleetgate/directory"
	"github.com/fleetgate/fleetgate/gate"
	"github.com/fleetgate/fleetgate/geofence"
	"github.com/fleetgate/fleetgate/httpapi"
	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/push"
	"github.com/fleetgate/fleetgate/state"
	"github.com/fleetgate/fleetgate/storage"
	"github.com/fleetgate/fleetgate/telemetry"
	"github.com/fleetgate/fleetgate/wire"
)

func main() {
	flagConfig := flag.String("config", "fleetgate.hcl", "")
	flag.Parse()

	const logFlagsService = log.Lshortfile
	const logFlagsInteractive = log.Lshortfile | log.Ltime | log.Lmicroseconds
	logger := log2.NewStderr(log2.LDebug)
	if sdnotify(logger, "start") {
		// under systemd, journal adds timestamps
		logger.SetFlags(logFlagsService)
	} else {
		logger.SetFlags(logFlagsInteractive)
	}
	logger.Debugf("hello")

	config := state.MustReadConfig(logger, state.NewOsFullReader(), *flagConfig)

	ctx := context.Background()

	// Payload codecs live in separate modules and self-register on
	// import, like database/sql drivers. A deployable build blank-imports
	// the codecs it ships, e.g.
	//
	//	import _ "example.com/fleetgate-codec-gt06"
	//
	// and gate { codec = "gt06" } selects one here. Without any codec
	// linked this lookup fails and the process exits.
	codecName := config.Gate.Codec
	if codecName == "" {
		codecName = "gt06"
	}
	codec, err := wire.LookupCodec(codecName)
	if err != nil {
		logger.Fatal(errors.Annotatef(err, "config gate.codec=%s not linked into this build", codecName))
	}

	pool, err := storage.NewPostgresPool(ctx, config.DB.PostgresURL)
	if err != nil {
		logger.Fatal(errors.Annotate(err, "postgres"))
	}
	defer pool.Close()

	var cache *storage.Cache
	if config.DB.RedisURL != "" {
		rdb, err := storage.NewRedisClient(ctx, config.DB.RedisURL)
		if err != nil {
			logger.Fatal(errors.Annotate(err, "redis"))
		}
		defer rdb.Close()
		cache = storage.NewCache(rdb, logger)
	}
	store := storage.NewSQL(pool, cache, logger)
	dir := directory.NewSQL(pool)

	var bus broadcast.Broadcaster = &broadcast.Mock{}
	if config.Broadcast.MQTTBroker != "" {
		bus, err = broadcast.NewMQTT(logger, broadcast.MQTTConfig{
			Broker:       config.Broadcast.MQTTBroker,
			ClientID:     config.Broadcast.MQTTClientID,
			Password:     config.Broadcast.MQTTPassword,
			TopicPrefix:  config.Broadcast.TopicPrefix,
			KeepaliveSec: config.Broadcast.KeepaliveSec,
		})
		if err != nil {
			logger.Fatal(errors.Annotate(err, "mqtt"))
		}
	}
	defer bus.Close()

	sender := &push.FCM{Key: config.Push.FCMKey, URL: config.Push.FCMURL, Log: logger}
	fences := geofence.NewEngine(logger, store, dir, sender)

	g := gate.NewGateway(gate.Options{
		Log:    logger,
		Codec:  codec,
		Status: store,
		Config: config.GateConfig(),
	})
	proc := telemetry.NewProcessor(telemetry.Options{
		Log:       logger,
		Registry:  g,
		Directory: dir,
		Store:     store,
		Fences:    fences,
		Sender:    sender,
		Bus:       bus,
	})
	g.SetOnMessage(func(ctx context.Context, conn *gate.Conn, msg wire.Message) {
		proc.Handle(ctx, conn, msg)
	})

	if err = g.Listen(ctx, config.ListenOptions()); err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}
	logger.Infof("gateway listening on %v", g.Addrs())

	var api *http.Server
	if config.API.Listen != "" {
		api = &http.Server{
			Addr:    config.API.Listen,
			Handler: httpapi.NewServer(logger, g).Handler(),
		}
		go func() {
			if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal(errors.Annotate(err, "httpapi"))
			}
		}()
		logger.Infof("httpapi listening on %s", config.API.Listen)
	}

	sdnotify(logger, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Infof("signal=%v stopping", sig)
	sdnotify(logger, daemon.SdNotifyStopping)

	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = api.Shutdown(shutdownCtx)
		cancel()
	}
	g.Stop()
	g.Wait()
	logger.Infof("goodbye")
}

func sdnotify(logger *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		logger.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
