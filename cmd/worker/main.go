package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	workerapp "receipt-platform/internal/app/worker"
	"receipt-platform/pkg/config"
)

func main() {
	configPath := flag.String("config", "configs/worker.yaml", "配置文件路径")
	autoStart := flag.Bool("auto-start", true, "进程启动时自动启动 Worker")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := workerapp.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	if *autoStart {
		if res := application.Manager().Start(ctx); !res.Success {
			log.Fatalf("启动 Worker 失败: %v", res.Err)
		}
	}

	go func() {
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("控制面异常退出: %v", err)
		}
		cancel()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	application.Shutdown(shutdownCtx)
	log.Println("Worker 服务已关闭")
}
