// Command ttyd-server is the CLI entrypoint: it turns flags and an
// optional YAML defaults file into a ServerConfig and serves the
// WebSocket bridge. Flag parsing uses github.com/xhd2015/less-gen/flags'
// fluent builder; port auto-selection uses github.com/xhd2015/kool/pkgs/web.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/xhd2015/kool/pkgs/web"
	"github.com/xhd2015/less-gen/flags"

	appconfig "github.com/xhd2015/ttyd-go/internal/config"
	"github.com/xhd2015/ttyd-go/internal/registry"
	"github.com/xhd2015/ttyd-go/internal/ttylog"
	"github.com/xhd2015/ttyd-go/internal/wsserver"
)

// defaultPort is ttyd's conventional default listening port.
const defaultPort = 7681

var help = `
Usage: ttyd-server [options] -- COMMAND [ARGS...]

Options:
  --port PORT             Port to listen on (0 auto-selects starting from 7681)
  --config FILE           YAML defaults file
  --credential TOKEN      Require this shared secret via the JSON_DATA handshake
  --credential-file FILE  Read the shared secret from a file
  --readonly              Discard INPUT messages from the client
  --check-origin          Require the WS Origin host to match the Host header
  --once                  Accept exactly one session, then exit
  --max-clients N         Cap concurrent sessions (0 = unlimited)
  --sig-name NAME         Signal sent to the child on teardown (default SIGHUP)
  --reconnect SECONDS     Reconnect hint sent to the client (default 10)
  --log-file FILE         Tee logs to this file in addition to stdout
  -h, --help              Show this help message
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var portFlag int
	var configFile string
	var credential string
	var credentialFile string
	var readonly bool
	var checkOrigin bool
	var once bool
	var maxClients int
	var sigName string
	var reconnect int
	var logFile string

	rest, err := flags.
		Int("--port", &portFlag).
		String("--config", &configFile).
		String("--credential", &credential).
		String("--credential-file", &credentialFile).
		Bool("--readonly", &readonly).
		Bool("--check-origin", &checkOrigin).
		Bool("--once", &once).
		Int("--max-clients", &maxClients).
		String("--sig-name", &sigName).
		Int("--reconnect", &reconnect).
		String("--log-file", &logFile).
		Help("-h,--help", help).
		Parse(args)
	if err != nil {
		return err
	}

	fd, err := appconfig.LoadFile(configFile)
	if err != nil {
		return err
	}

	argv := rest
	if len(argv) == 0 {
		argv = fd.Command
	}
	if len(argv) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		argv = []string{shell}
	}

	if credential == "" && credentialFile == "" {
		credentialFile = fd.CredentialFile
	}
	if credential == "" && credentialFile != "" {
		credential, err = appconfig.LoadCredentialFile(credentialFile)
		if err != nil {
			return err
		}
	}

	if !readonly {
		readonly = fd.Readonly
	}
	if !checkOrigin {
		checkOrigin = fd.CheckOrigin
	}
	if !once {
		once = fd.Once
	}
	if maxClients == 0 {
		maxClients = fd.MaxClients
	}
	if sigName == "" {
		sigName = fd.SigName
	}
	if sigName == "" {
		sigName = "SIGHUP"
	}
	if reconnect == 0 {
		reconnect = fd.Reconnect
	}
	if reconnect == 0 {
		reconnect = 10
	}

	sigCode, err := signalNumber(sigName)
	if err != nil {
		return err
	}

	var prefsJSON []byte
	if fd.PrefsFile != "" {
		prefsJSON, err = os.ReadFile(fd.PrefsFile)
		if err != nil {
			return fmt.Errorf("read prefs file: %w", err)
		}
	} else {
		prefsJSON = []byte("{}")
	}

	cfg, err := appconfig.Build(argv, credential, readonly, checkOrigin, once, maxClients, sigCode, sigName, reconnect, prefsJSON, fd.GraceTimeoutSeconds, fd.MaxRxBytes)
	if err != nil {
		return err
	}

	if err := ttylog.Init(logFile); err != nil {
		return err
	}
	defer ttylog.Close()

	port := portFlag
	if port <= 0 {
		port, err = web.FindAvailablePort(defaultPort, 100)
		if err != nil {
			return err
		}
	}

	reg := registry.New(cfg.Once, cfg.MaxClients, func() {
		ttylog.Printf("once mode: last session closed, exiting")
		os.Exit(0)
	})

	mux := http.NewServeMux()
	mux.Handle(appconfig.WSPath, wsserver.New(cfg, reg))

	ttylog.Printf("listening on :%d%s (subprotocol %q, command %q)", port, appconfig.WSPath, appconfig.WSProtocol, strings.Join(cfg.Argv, " "))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// signalNumber resolves a signal name (with or without the "SIG"
// prefix, e.g. "HUP" or "SIGHUP") or a bare number to a signal number.
func signalNumber(name string) (int, error) {
	key := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))
	switch key {
	case "HUP":
		return int(syscall.SIGHUP), nil
	case "INT":
		return int(syscall.SIGINT), nil
	case "QUIT":
		return int(syscall.SIGQUIT), nil
	case "TERM":
		return int(syscall.SIGTERM), nil
	case "KILL":
		return int(syscall.SIGKILL), nil
	case "USR1":
		return int(syscall.SIGUSR1), nil
	case "USR2":
		return int(syscall.SIGUSR2), nil
	default:
		if n, err := strconv.Atoi(key); err == nil {
			return n, nil
		}
		return 0, fmt.Errorf("unknown signal name %q", name)
	}
}
