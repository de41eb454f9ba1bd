/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailrouter/cmd/mailrouterd/common"
	"stash.kopano.io/kgol/mailrouter/internal/ipc"
	"stash.kopano.io/kgol/mailrouter/server"
	"stash.kopano.io/kgol/mailrouter/server/forward"
)

// Default param values used by this command.
var (
	DefaultLogTimestamp           = true
	DefaultLogLevel               = "info"
	DefaultSystemdNotify          = false
	DefaultPipePath               = "/var/spool/email-processor"
	DefaultInternalToken          = os.Getenv("INTERNAL_API_TOKEN")
	DefaultFailedPath             = "/var/spool/mockmail/failed"
	DefaultRootDomain             = "mockmail.dev"
	DefaultFallbackEnvironment    = "producao"
	DefaultBackendHost            = "localhost"
	DefaultForwardTimeout         = forward.DefaultTimeout
	DefaultHMLEnabled             = true
	DefaultHMLAPIPort             = 3010
	DefaultHMLDomains             = []string{"homologacao.mockmail.dev"}
	DefaultProdEnabled            = true
	DefaultProdAPIPort            = 3000
	DefaultProdDomains            = []string{"mockmail.dev"}
	DefaultEnvironmentsFile       = os.Getenv("MAILROUTERD_DEFAULT_ENVIRONMENTS_FILE")
	DefaultCircuitBreaker         = false
	DefaultCircuitBreakerFailures = uint32(5)
	DefaultCircuitBreakerTimeout  = 30 * time.Second
	DefaultDAgentListenAddr       = ""
	DefaultDAgentLMTP             = false
	DefaultMetricsListenAddr      = ""
	DefaultStatePath              = os.Getenv("MAILROUTERD_DEFAULT_STATE_PATH")
	DefaultWithPprof              = false
	DefaultPprofListenAddr        = "127.0.0.1:6060"
)

// envErrors collects invalid process environment values seen in init. They
// are reported once the logger exists.
var envErrors []error

func init() {
	envString(&DefaultPipePath, "MOCKMAIL_FIFO_PATH")
	envString(&DefaultFailedPath, "MOCKMAIL_FAILED_DIR")
	envString(&DefaultRootDomain, "MOCKMAIL_ROOT_DOMAIN")
	envString(&DefaultFallbackEnvironment, "MAILROUTERD_DEFAULT_FALLBACK_ENVIRONMENT")
	envString(&DefaultBackendHost, "MAILROUTERD_DEFAULT_BACKEND_HOST")
	envString(&DefaultDAgentListenAddr, "MAILROUTERD_DEFAULT_DAGENT_LISTEN")
	envString(&DefaultMetricsListenAddr, "MAILROUTERD_DEFAULT_METRICS_LISTEN")

	var debug bool
	envBool(&debug, "MOCKMAIL_DEBUG")
	if debug {
		DefaultLogLevel = "debug"
	}

	envBool(&DefaultHMLEnabled, "HML_ENABLED")
	envInt(&DefaultHMLAPIPort, "HML_API_PORT")
	envList(&DefaultHMLDomains, "HML_DOMAINS")
	envBool(&DefaultProdEnabled, "PROD_ENABLED")
	envInt(&DefaultProdAPIPort, "PROD_API_PORT")
	envList(&DefaultProdDomains, "PROD_DOMAINS")

	if DefaultStatePath == "" {
		DefaultStatePath, _ = os.Getwd()
	}
}

func CommandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				var exitCodeErr *ErrorWithExitCode
				if errors.As(err, &exitCodeErr) {
					os.Exit(exitCodeErr.Code)
				} else {
					os.Exit(1)
				}
			}
		},
	}

	serveCmd.Flags().BoolVar(&DefaultLogTimestamp, "log-timestamp", DefaultLogTimestamp, "Prefix each log line with timestamp")
	serveCmd.Flags().StringVar(&DefaultLogLevel, "log-level", DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	serveCmd.Flags().StringVar(&DefaultPipePath, "pipe", DefaultPipePath, "Full path to the named pipe written by the MTA")
	serveCmd.Flags().StringVar(&DefaultInternalToken, "internal-token", DefaultInternalToken, "Shared secret sent to the backends in the X-Internal-Token header")
	serveCmd.Flags().StringVar(&DefaultFailedPath, "failed-dir", DefaultFailedPath, "Full path to the directory for undeliverable messages")
	serveCmd.Flags().StringVar(&DefaultRootDomain, "root-domain", DefaultRootDomain, "Root domain whose sub domains fall back to the fallback environment")
	serveCmd.Flags().StringVar(&DefaultFallbackEnvironment, "fallback-environment", DefaultFallbackEnvironment, "Environment receiving mail for unlisted sub domains of the root domain")
	serveCmd.Flags().StringVar(&DefaultBackendHost, "backend-host", DefaultBackendHost, "Host name of the environment backends")
	serveCmd.Flags().DurationVar(&DefaultForwardTimeout, "forward-timeout", DefaultForwardTimeout, "Timeout for a single forward request")
	serveCmd.Flags().BoolVar(&DefaultHMLEnabled, "hml-enabled", DefaultHMLEnabled, "Enable the homologacao environment")
	serveCmd.Flags().IntVar(&DefaultHMLAPIPort, "hml-api-port", DefaultHMLAPIPort, "API port of the homologacao environment")
	serveCmd.Flags().StringArrayVar(&DefaultHMLDomains, "hml-domain", DefaultHMLDomains, "Domain of the homologacao environment, multiple allowed")
	serveCmd.Flags().BoolVar(&DefaultProdEnabled, "prod-enabled", DefaultProdEnabled, "Enable the producao environment")
	serveCmd.Flags().IntVar(&DefaultProdAPIPort, "prod-api-port", DefaultProdAPIPort, "API port of the producao environment")
	serveCmd.Flags().StringArrayVar(&DefaultProdDomains, "prod-domain", DefaultProdDomains, "Domain of the producao environment, multiple allowed")
	serveCmd.Flags().StringVar(&DefaultEnvironmentsFile, "environments-file", DefaultEnvironmentsFile, "Full path to a YAML file with the environment list, replaces the built-in environments")
	serveCmd.Flags().BoolVar(&DefaultCircuitBreaker, "circuit-breaker", DefaultCircuitBreaker, "Stop forwarding to an environment for a while after consecutive failures")
	serveCmd.Flags().Uint32Var(&DefaultCircuitBreakerFailures, "circuit-breaker-failures", DefaultCircuitBreakerFailures, "Consecutive failures which open the circuit breaker")
	serveCmd.Flags().DurationVar(&DefaultCircuitBreakerTimeout, "circuit-breaker-timeout", DefaultCircuitBreakerTimeout, "Time the circuit breaker stays open")
	serveCmd.Flags().StringVar(&DefaultDAgentListenAddr, "dagent-listen", DefaultDAgentListenAddr, "TCP listen address for SMTP delivery agent (disabled when empty)")
	serveCmd.Flags().BoolVar(&DefaultDAgentLMTP, "dagent-lmtp", DefaultDAgentLMTP, "Speak LMTP instead of SMTP on the delivery agent listener")
	serveCmd.Flags().StringVar(&DefaultMetricsListenAddr, "metrics-listen", DefaultMetricsListenAddr, "TCP listen address for Prometheus metrics (disabled when empty)")
	serveCmd.Flags().StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to writable state directory")
	serveCmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	serveCmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
	}()

	err := bs.configure(ctx, cmd, args)
	if err != nil {
		return StartupError(err)
	}

	err = bs.srv.Serve(ctx)
	if err != nil && isStartupFailure(err) {
		return StartupError(err)
	}
	return err
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	srv *server.Server
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	logger, err := newLogger(!DefaultLogTimestamp, DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bs.logger = logger

	logger.Debugln("serve start")

	for _, envErr := range envErrors {
		logger.WithError(envErr).Errorln("invalid environment value")
	}
	if len(envErrors) > 0 {
		return envErrors[0]
	}

	if DefaultPipePath == "" {
		return fmt.Errorf("pipe must not be empty")
	}
	if DefaultFailedPath == "" {
		return fmt.Errorf("failed-dir must not be empty")
	}
	if DefaultInternalToken == "" {
		logger.Warnln("internal-token is empty, backends will reject forwarded mail")
	}

	if DefaultStatePath == "" {
		return fmt.Errorf("state-path must not be empty")
	}
	if info, statErr := os.Stat(DefaultStatePath); statErr != nil || !info.IsDir() {
		return fmt.Errorf("state-path error or not a directory: %w", statErr)
	}

	environments, err := environmentsFromFlags()
	if err != nil {
		return err
	}

	var statusMutex sync.Mutex
	var withStatus bool

	cfg := &server.Config{
		Logger: logger,

		OnReady: func(srv *server.Server) {
			if DefaultSystemdNotify {
				ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
				logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
				if notifyErr != nil {
					logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
				}
			}
		},
		OnStatus: func(srv *server.Server) {
			statusMutex.Lock()
			defer statusMutex.Unlock()

			if !withStatus {
				withStatus = true
				bs.Add(1)
				go func() {
					defer bs.Done()
					<-ctx.Done()
					statusMutex.Lock()
					defer statusMutex.Unlock()
					statusErr := clearStatus()
					if statusErr != nil {
						logger.WithError(statusErr).Errorln("failed to clear status")
					}
				}()
			}

			onStatus(srv)
		},
		OnStopping: func(srv *server.Server) {
			if DefaultSystemdNotify {
				ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyStopping)
				logger.WithField("ok", ok).Debugln("called systemd sd_notify stopping")
				if notifyErr != nil {
					logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
				}
			}
		},

		Environments:        environments,
		RootDomain:          DefaultRootDomain,
		FallbackEnvironment: DefaultFallbackEnvironment,

		BackendHost:    DefaultBackendHost,
		InternalToken:  DefaultInternalToken,
		ForwardTimeout: DefaultForwardTimeout,

		CircuitBreaker:         DefaultCircuitBreaker,
		CircuitBreakerFailures: DefaultCircuitBreakerFailures,
		CircuitBreakerTimeout:  DefaultCircuitBreakerTimeout,

		DAgentListenAddress: DefaultDAgentListenAddr,
		DAgentLMTP:          DefaultDAgentLMTP,

		MetricsListenAddress: DefaultMetricsListenAddr,
	}

	cfg.PipePath, err = filepath.Abs(DefaultPipePath)
	if err != nil {
		return fmt.Errorf("pipe invalid: %w", err)
	}
	cfg.FailedPath, err = filepath.Abs(DefaultFailedPath)
	if err != nil {
		return fmt.Errorf("failed-dir invalid: %w", err)
	}

	statePath, err := filepath.Abs(DefaultStatePath)
	if err != nil {
		return fmt.Errorf("state-path invalid: %w", err)
	}

	ipc.MustInitializeStatusSHM(statePath, "")

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Publish initial status so the status command works before the first
	// message arrives.
	cfg.OnStatus(bs.srv)

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			if listenErr := http.ListenAndServe(pprofListen, nil); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}
