package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/talkincode/waconsole/config"
	"github.com/talkincode/waconsole/internal/app"
	"github.com/talkincode/waconsole/internal/instances"
	"github.com/talkincode/waconsole/internal/webapi"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("c", "", "config file path")
	printQR    = flag.Bool("qr", false, "render pairing QR codes in the terminal")
	showVer    = flag.Bool("v", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println("waconsole", version)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		log.Fatalf("init application: %v", err)
	}
	defer application.Release()

	ctrl, err := instances.NewController(application, instances.ControllerOptions{})
	if err != nil {
		zap.L().Fatal("build controller", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl.Start(ctx)
	defer ctrl.Close()

	if *printQR {
		go renderQRLoop(ctx, ctrl)
	}

	server := webapi.NewServer(cfg, ctrl)
	go func() {
		if err := server.Start(); err != nil {
			zap.L().Fatal("web api failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.L().Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// renderQRLoop mirrors pairing codes to the terminal so a headless operator
// can scan without opening the dashboard.
func renderQRLoop(ctx context.Context, ctrl *instances.Controller) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastCode string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qr := ctrl.Store().QRSnapshot()
			if qr.Data == "" || qr.Data == lastCode {
				continue
			}
			lastCode = qr.Data
			fmt.Printf("\nscan to pair instance %s (expires in %ds):\n", qr.InstanceID, qr.SecondsLeft)
			qrterminal.GenerateHalfBlock(qr.Data, qrterminal.L, os.Stdout)
		}
	}
}
