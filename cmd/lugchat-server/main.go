package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lugchat/lugchat/pkg/protocol"
	"github.com/lugchat/lugchat/pkg/server"
	"github.com/rs/zerolog"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "lugchat.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging (console format)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lugchat-server %s\n", Version)
		return
	}

	log := setupLogger(*debug)

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	config := tomlConfig.ToServerConfig()

	// Optional positional port overrides the configured TCP port.
	if arg := flag.Arg(0); arg != "" {
		port, err := strconv.Atoi(arg)
		if err != nil {
			log.Fatal().Str("port", arg).Msg("invalid port argument")
		}
		config.TCPPort = port
	}

	keys, err := protocol.LoadOrCreateKeyPair(config.PublicKeyPath, config.PrivateKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load server keys")
	}
	log.Info().Str("fingerprint", protocol.Fingerprint(keys.PublicB64)).Msg("server identity loaded")

	srv := server.NewServer(config, keys, log)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	log.Info().Str("version", Version).Int("tcp_port", config.TCPPort).Msg("lugchat server running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

// setupLogger builds the root logger: console writer at debug level in
// debug mode, JSON at info level otherwise.
func setupLogger(debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		return zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
