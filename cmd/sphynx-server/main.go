// Command sphynx-server runs a standalone Sphynx listener: it loads
// Settings.cfg and a KeyPair.bin, then serves connexions until signalled
// to stop. Grounded on the teacher's cmd/server entrypoint shape (flag
// parsing via cobra, config + logger constructed once in main and threaded
// down), adapted from TunGo's TUN-device server to Sphynx's bare UDP
// listener with no embedding application beyond a demo handler that logs
// each arriving message; it does not echo messages back.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sphynx/config"
	"sphynx/crypto/handshake"
	"sphynx/domain"
	"sphynx/logging"
	"sphynx/server"
	"sphynx/transport"
)

// Exit codes per spec §6: 0 success, 1 layer init failure, 2 key load
// failure, 3 connect/bind failure.
const (
	exitOK             = 0
	exitLayerInit      = 1
	exitKeyLoadFailure = 2
	exitBindFailure    = 3
)

var (
	flagListen     string
	flagConfigPath string
	flagKeyPath    string
	flagGenKeys    bool
	flagSessionKey string
)

var rootCmd = &cobra.Command{
	Use:   "sphynx-server",
	Short: "Serve Sphynx connexions over UDP",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagListen, "listen", ":7777", "UDP address to bind")
	flags.StringVar(&flagConfigPath, "config", "Settings.cfg", "path to the settings file")
	flags.StringVar(&flagKeyPath, "keypair", "KeyPair.bin", "path to the server's long-term keypair")
	flags.BoolVar(&flagGenKeys, "generate-keys", false, "generate KeyPair.bin/PublicKey.bin and exit")
	flags.StringVar(&flagSessionKey, "session-key", "sphynx-default", "out-of-band handshake tag shared with clients")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFromError(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagGenKeys {
		return generateKeys()
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Defaults(0)
		} else {
			return codedErr(exitLayerInit, err)
		}
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	log := logging.NewZerologLogger(level, nil)

	priv, err := handshake.LoadKeyPair(flagKeyPath)
	if err != nil {
		return codedErr(exitKeyLoadFailure, err)
	}

	factory := func(remote *net.UDPAddr, sessionKey uint32) transport.Callbacks {
		return transport.Callbacks{
			OnMessage: func(m domain.Message) {
				log.Inane("message", "remote", remote.String(), "session", sessionKey, "bytes", len(m.Payload))
			},
			OnDisconnect: func(reason domain.DisconnectReason) {
				log.Info("connexion closed", "remote", remote.String(), "reason", reason.String())
			},
		}
	}

	srv, err := server.NewServer(cfg, log, priv, nil, factory)
	if err != nil {
		return codedErr(exitLayerInit, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting sphynx-server", "listen", flagListen)
	if err := srv.StartServer(ctx, flagListen, []byte(flagSessionKey)); err != nil {
		return codedErr(exitBindFailure, err)
	}
	return nil
}

func generateKeys() error {
	kp, err := handshake.GenerateKeyPair()
	if err != nil {
		return codedErr(exitKeyLoadFailure, err)
	}
	if err := handshake.SaveKeyPair(flagKeyPath, kp); err != nil {
		return codedErr(exitKeyLoadFailure, err)
	}
	if err := handshake.SavePublicKey("PublicKey.bin", kp.Public); err != nil {
		return codedErr(exitKeyLoadFailure, err)
	}
	fmt.Printf("wrote %s and PublicKey.bin\n", flagKeyPath)
	return nil
}

type exitCodedError struct {
	code int
	err  error
}

func (e *exitCodedError) Error() string { return e.err.Error() }
func (e *exitCodedError) Unwrap() error { return e.err }

func codedErr(code int, err error) error { return &exitCodedError{code: code, err: err} }

func exitFromError(err error) int {
	var coded *exitCodedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return exitLayerInit
}
