package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"validator-gateway/internal/factory"
	"validator-gateway/internal/handler"
	"validator-gateway/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	if err := f.Start(); err != nil {
		util.Fatal("Failed to start background tasks", util.ErrorField(err))
	}

	cfg := f.Config()
	router := handler.NewRouter(f.Gateway(), f.OpsHandler(), util.Get())

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// WebSocket sessions manage their own deadlines; no server write timeout.
	wsServer := &http.Server{
		Addr:        cfg.Server.WSAddr,
		Handler:     http.HandlerFunc(f.Gateway().HandleWebSocket),
		ReadTimeout: 0,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		tlsConfig := f.TLSManager().TLSConfig()
		httpServer.TLSConfig = tlsConfig
		wsServer.TLSConfig = tlsConfig
	}

	var g errgroup.Group
	g.Go(func() error {
		util.Info("Starting HTTP gateway listener",
			util.String("addr", cfg.Server.HTTPAddr),
			util.Bool("tls_enabled", cfg.Server.EnableTLS),
		)
		return listen(httpServer, cfg.Server.EnableTLS, cfg.Server.CertFile, cfg.Server.KeyFile)
	})
	g.Go(func() error {
		util.Info("Starting WebSocket gateway listener",
			util.String("addr", cfg.Server.WSAddr),
			util.Bool("tls_enabled", cfg.Server.EnableTLS),
		)
		return listen(wsServer, cfg.Server.EnableTLS, cfg.Server.CertFile, cfg.Server.KeyFile)
	})
	go func() {
		if err := g.Wait(); err != nil {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Gateway started successfully",
		util.String("environment", cfg.Environment),
		util.Strings("http_backends", cfg.Backends.HTTPEndpoints),
		util.Strings("ws_backends", cfg.Backends.WSEndpoints),
	)

	waitForShutdown(f, httpServer, wsServer)
}

func listen(server *http.Server, enableTLS bool, certFile, keyFile string) error {
	var err error
	if enableTLS {
		// Empty cert paths make ListenAndServeTLS use TLSConfig.GetCertificate.
		err = server.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			} else {
				util.Info("Server shutdown completed")
			}
		}
	}
	f.Close()
}
