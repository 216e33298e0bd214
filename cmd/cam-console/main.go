// cmd/cam-console/main.go
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/cam-console/internal/alertlog"
	"github.com/sua-org/cam-console/internal/alerts"
	"github.com/sua-org/cam-console/internal/api"
	"github.com/sua-org/cam-console/internal/catalog"
	"github.com/sua-org/cam-console/internal/mqttclient"
	"github.com/sua-org/cam-console/internal/notify"
	"github.com/sua-org/cam-console/internal/registry"
	"github.com/sua-org/cam-console/internal/relay"
	"github.com/sua-org/cam-console/internal/source"
	"github.com/sua-org/cam-console/internal/storage"
	"github.com/sua-org/cam-console/internal/supervisor"
)

func main() {
	// Carrega .env na raiz (se não existir, só loga aviso)
	if err := godotenv.Load(); err != nil {
		log.Printf("[main] aviso: não foi possível carregar .env: %v", err)
	} else {
		log.Printf("[main] .env carregado com sucesso")
	}

	streams, err := catalog.LoadFromEnv()
	if err != nil {
		log.Fatalf("erro ao carregar catálogo de streams: %v", err)
	}

	baseTopic := mqttclient.BaseTopic()

	// MQTT é opcional: sem broker o console só não ingere/espelha via MQTT
	var mqttCli *mqttclient.Client
	var publisher mqttclient.Publisher
	mqttCli, err = mqttclient.NewClientFromEnv("cam-console", supervisor.StatusTopic(baseTopic), supervisor.OfflinePayload())
	switch {
	case err == nil:
		defer mqttCli.Close()
		publisher = mqttCli
	case errors.Is(err, mqttclient.ErrDisabled):
		log.Printf("[main] MQTT_HOST não definido, rodando sem MQTT")
	default:
		log.Printf("[main] aviso: MQTT não conectado: %v", err)
	}

	// Inicializa MinIO (opcional; se falhar, snapshots são descartados)
	var snapshots storage.ImageStore
	if store, err := storage.NewMinioStoreFromEnv(); err == nil {
		snapshots = store
	} else if !errors.Is(err, storage.ErrDisabled) {
		log.Printf("[main] aviso: MinIO não inicializado: %v", err)
	}

	alertLog := alertlog.NewFromEnv()
	alertLog.Load()

	notifiers := notify.LoadFromEnv(publisher)

	busOpts := alerts.OptionsFromEnv()
	busOpts.Notifier = notifiers
	busOpts.Snapshots = snapshots
	bus := alerts.NewBus(alertLog, registry.New[*alerts.Subscriber](), busOpts)

	rl := relay.New(streams, source.NewFactoryFromEnv(), registry.New[*relay.Viewer](), relay.OptionsFromEnv())

	srv := api.NewServerFromEnv(rl, bus)
	if err := srv.Start(); err != nil {
		log.Fatalf("erro ao abrir HTTP em %s: %v", srv.Addr(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go notifiers.Run(ctx)

	if mqttCli != nil {
		sup := supervisor.New(mqttCli, baseTopic, bus, rl)
		go func() {
			if err := sup.Run(ctx); err != nil {
				log.Printf("[main] supervisor terminou com erro: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	<-sig
	log.Println("[main] sinal recebido, encerrando...")

	// fecha relay e barramento antes do HTTP: streams e websockets abertos
	// terminam e o Shutdown não fica esperando por eles
	rl.Close()
	bus.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown HTTP: %v", err)
	}

	cancel()
	time.Sleep(500 * time.Millisecond)
}
