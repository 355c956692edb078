package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/config"
	"github.com/marknemm/whirlpool-beep-sub001/internal/logger"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "path to config file")
	decodeSig := flag.String("decode", "", "decode an executed transaction by signature and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	service, err := txengine.NewService(cfg, log.Logger)
	if err != nil {
		log.Fatal("failed to initialize transaction engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *decodeSig != "" {
		decodeAndPrint(ctx, log.Logger, service, *decodeSig)
		return
	}

	log.Info("transaction engine ready",
		zap.String("wallet", service.Wallet.String()),
		zap.String("commitment", cfg.DefaultCommitment))

	balance, err := service.Client.GetBalance(ctx, service.Wallet.PublicKey, rpc.CommitmentType(cfg.DefaultCommitment))
	if err != nil {
		log.Fatal("failed to fetch wallet balance", zap.Error(err))
	}
	log.Info("wallet balance",
		zap.Uint64("lamports", balance),
		zap.Float64("sol", float64(balance)/1e9))
}

func decodeAndPrint(ctx context.Context, log *zap.Logger, service *txengine.Service, rawSig string) {
	signature, err := solana.SignatureFromBase58(rawSig)
	if err != nil {
		log.Fatal("invalid signature", zap.String("signature", rawSig), zap.Error(err))
	}

	summary, err := service.Decoder.Decode(ctx, signature)
	if err != nil {
		log.Fatal("failed to decode transaction", zap.Error(err))
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Fatal("failed to render summary", zap.Error(err))
	}
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))
}
