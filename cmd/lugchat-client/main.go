package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/lugchat/lugchat/pkg/client"
	"github.com/lugchat/lugchat/pkg/client/ui"
	"github.com/lugchat/lugchat/pkg/protocol"
	"github.com/rs/zerolog"
)

var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <host> <port> <nick>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       host may also be a ws://host:port/ws URL (port ignored)\n\n")
	flag.PrintDefaults()
}

func main() {
	pubPath := flag.String("pub-key", "key.pub", "Path to public key file")
	privPath := flag.String("priv-key", "key.priv", "Path to private key file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("lugchat-client %s\n", Version)
		return
	}
	if flag.NArg() != 3 {
		usage()
		os.Exit(2)
	}
	host, port, nick := flag.Arg(0), flag.Arg(1), flag.Arg(2)
	addr := net.JoinHostPort(host, port)
	if strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://") {
		addr = host
	}

	keys, err := protocol.LoadOrCreateKeyPair(*pubPath, *privPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load keys: %v\n", err)
		os.Exit(1)
	}

	conn, err := client.Dial(addr, keys, nick, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	program := tea.NewProgram(ui.New(conn, nick), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ui error: %v\n", err)
		os.Exit(1)
	}
}
