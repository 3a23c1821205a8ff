// Command sphynx-client connects to a Sphynx server and runs the echo
// round trip spec.md §8's first testable property describes: it sends
// "ping" on stream 0 and exits 0 once the server echoes it back.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sphynx/client"
	"sphynx/config"
	"sphynx/crypto/handshake"
	"sphynx/domain"
	"sphynx/logging"
)

const (
	exitOK             = 0
	exitLayerInit      = 1
	exitKeyLoadFailure = 2
	exitConnectFailure = 3
)

var (
	flagHost        string
	flagPort        int
	flagConfigPath  string
	flagPubKeyPath  string
	flagSessionKey  string
	flagEchoPayload string
)

var rootCmd = &cobra.Command{
	Use:   "sphynx-client",
	Short: "Connect to a Sphynx server and run the echo round trip",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagHost, "host", "127.0.0.1", "server hostname")
	flags.IntVar(&flagPort, "port", 7777, "server port")
	flags.StringVar(&flagConfigPath, "config", "Settings.cfg", "path to the settings file")
	flags.StringVar(&flagPubKeyPath, "server-key", "PublicKey.bin", "path to the server's public key")
	flags.StringVar(&flagSessionKey, "session-key", "sphynx-default", "out-of-band handshake tag shared with the server")
	flags.StringVar(&flagEchoPayload, "payload", "ping", "payload to send on the echo round trip")
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := rootCmd.Execute(); err != nil {
		return exitFromError(err)
	}
	return exitOK
}

func run(cmd *cobra.Command, args []string) error {
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

	pub, err := handshake.LoadPublicKey(flagPubKeyPath)
	if err != nil {
		return codedErr(exitKeyLoadFailure, err)
	}

	reply := make(chan string, 1)
	var connectErr error

	c := client.New(cfg, log, client.Callbacks{
		OnConnectFailure: func(err error) { connectErr = err },
		OnMessageArrivals: func(msgs []domain.Message) {
			for _, m := range msgs {
				reply <- string(m.Payload)
			}
		},
	})
	defer c.Close()

	// Connect runs the handshake synchronously and only starts the
	// background run loop once it has succeeded, so connectErr is settled
	// by the time this call returns.
	c.Connect(nil, flagHost, flagPort, pub, []byte(flagSessionKey))
	if connectErr != nil {
		return codedErr(exitConnectFailure, connectErr)
	}

	if _, err := c.WriteReliable(0, 0, []byte(flagEchoPayload)); err != nil {
		return codedErr(exitConnectFailure, err)
	}

	select {
	case got := <-reply:
		if got != flagEchoPayload {
			return fmt.Errorf("echo mismatch: sent %q, got %q", flagEchoPayload, got)
		}
		fmt.Printf("echo ok: %q\n", got)
		c.Disconnect(domain.ReasonLocalClose)
		return nil
	case <-time.After(5 * time.Second):
		return codedErr(exitConnectFailure, fmt.Errorf("echo timed out"))
	}
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
