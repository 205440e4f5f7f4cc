package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"termgate/internal/config"
	"termgate/internal/outbox"
	"termgate/internal/prompt"
	"termgate/internal/protocol"
	"termgate/internal/session"
	"termgate/internal/settings"
	"termgate/internal/term"
	"termgate/internal/transfer"
	"termgate/internal/transport"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const credentialsKey = "credentials"

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the gateway and attach the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			logger = logger.Level(level)
		}
		return runConnect(cfg)
	},
}

func runConnect(cfg config.Config) error {
	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sink := &stdioSink{out: os.Stdout}
	mgr := session.New(session.Config{
		GatewayURL: cfg.GatewayURL,
		Cols:       cfg.Cols,
		Rows:       cfg.Rows,
		Term:       cfg.Term,
	}, sink, logger)

	mgr.SetStoredCredentials(loadStoredCredentials(store, cfg))

	if cfg.RecordingPath != "" {
		f, err := os.OpenFile(cfg.RecordingPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open recording file: %w", err)
		}
		defer f.Close()
		mgr.SetRecorder(term.NewRingRecorder(1000, f))
	}

	engine := transfer.New(mgr, cfg.ChunkSize, logger)
	mgr.SetTransferSink(engine)

	var ratesMu sync.Mutex
	rates := make(map[string]*transfer.RateEstimator)
	engine.OnUpdate(func(t transfer.Transfer) {
		ratesMu.Lock()
		est := rates[t.Key]
		if est == nil {
			est = &transfer.RateEstimator{}
			rates[t.Key] = est
		}
		est.Observe(t.BytesTransferred, t.UpdatedAt)
		bps := est.BytesPerSecond()
		ratesMu.Unlock()
		logger.Info().
			Str("file", t.FileName).
			Str("status", string(t.Status)).
			Int("percent", t.PercentComplete()).
			Float64("bps", bps).
			Msg("transfer")
	})
	engine.OnArtifact(func(t transfer.Transfer, data []byte) {
		dest := filepath.Join(cfg.DownloadDir, t.FileName)
		if err := os.WriteFile(dest, data, 0o600); err != nil {
			logger.Error().Err(err).Str("dest", dest).Msg("write download")
			return
		}
		logger.Info().Str("dest", dest).Int("bytes", len(data)).Msg("download saved")
	})

	gov := prompt.New(mgr, logger)
	mgr.SetPromptSink(gov.Handle)
	gov.SetTransportCloser(func() { mgr.CloseTransport(transport.ReasonClientClose) })
	gov.OnSecurityError(func(message string) {
		logger.Error().Str("message", message).Msg("security error")
	})
	gov.OnShowModal(func(p protocol.PromptPayload) {
		fmt.Fprintf(os.Stderr, "\n[%s] %s\n%s\n", p.Severity, p.Title, p.Body)
	})
	gov.OnShowToast(func(p protocol.PromptPayload) {
		fmt.Fprintf(os.Stderr, "\n[toast] %s\n", p.Title)
	})

	done := make(chan struct{})
	mgr.OnStatusChange(func(s session.Status) {
		logger.Info().Str("status", string(s)).Msg("session")
		if s == session.StatusConnecting {
			// Explicit reconnection resets the prompt circuit breaker.
			gov.Reset()
		}
	})
	mgr.OnDisconnect(func(reason string) {
		logger.Info().Str("reason", reason).Msg("session ended")
		select {
		case <-done:
		default:
			close(done)
		}
	})
	mgr.OnChallenge(func(ch session.Challenge) {
		go answerChallenge(mgr, ch)
	})
	mgr.OnAuthRequired(func() {
		go collectCredentials(mgr)
	})

	if cfg.SFTPEnabled && cfg.OutboxDir != "" {
		watch, err := outbox.New(cfg.OutboxDir, func(src transfer.Source) {
			t := engine.Upload(src, "/"+src.Name())
			logger.Info().Str("file", src.Name()).Str("id", t.ID).Msg("upload queued")
		}, logger)
		if err != nil {
			return fmt.Errorf("outbox watcher: %w", err)
		}
		watch.Start()
		defer watch.Shutdown()
	}

	if err := mgr.Connect(context.Background()); err != nil {
		return err
	}

	go forwardStdin(mgr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
		mgr.CloseTransport(transport.ReasonClientClose)
	case <-done:
	}
	return nil
}

// loadStoredCredentials merges the settings store with config file values;
// the config acts as the base, the store overrides it.
func loadStoredCredentials(store settings.Store, cfg config.Config) session.Credentials {
	creds := session.Credentials{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Term:     cfg.Term,
	}

	var saved session.Credentials
	err := store.Get(credentialsKey, &saved)
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		logger.Warn().Err(err).Msg("load stored credentials")
	}
	if err == nil {
		if saved.Host != "" {
			creds.Host = saved.Host
		}
		if saved.Port != 0 {
			creds.Port = saved.Port
		}
		if saved.Username != "" {
			creds.Username = saved.Username
		}
		creds.Password = saved.Password
		creds.PrivateKey = saved.PrivateKey
		creds.Passphrase = saved.Passphrase
	}
	return creds
}

// answerChallenge reads one line per challenge prompt from stdin, in prompt
// order, and submits the responses.
func answerChallenge(mgr *session.Manager, ch session.Challenge) {
	reader := bufio.NewReader(os.Stdin)
	responses := make([]string, 0, len(ch.Prompts))
	for _, p := range ch.Prompts {
		fmt.Fprint(os.Stderr, p.Prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			logger.Warn().Err(err).Msg("read challenge response")
			return
		}
		responses = append(responses, trimNewline(line))
	}
	if err := mgr.SubmitChallengeResponse(responses); err != nil {
		logger.Warn().Err(err).Msg("submit challenge response")
	}
}

// collectCredentials asks for host, username, and password interactively
// and retries authentication.
func collectCredentials(mgr *session.Manager) {
	reader := bufio.NewReader(os.Stdin)
	var creds session.Credentials

	fmt.Fprint(os.Stderr, "host: ")
	if line, err := reader.ReadString('\n'); err == nil {
		creds.Host = trimNewline(line)
	}
	fmt.Fprint(os.Stderr, "username: ")
	if line, err := reader.ReadString('\n'); err == nil {
		creds.Username = trimNewline(line)
	}
	fmt.Fprint(os.Stderr, "password: ")
	if line, err := reader.ReadString('\n'); err == nil {
		creds.Password = trimNewline(line)
	}

	mgr.SetFormCredentials(creds)
	mgr.Authenticate()
}

// forwardStdin sends local input lines to the remote terminal.
func forwardStdin(mgr *session.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := mgr.SendData(scanner.Text() + "\n"); err != nil {
			if errors.Is(err, session.ErrNotConnected) {
				continue
			}
			logger.Warn().Err(err).Msg("send data")
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// stdioSink is the minimal terminal sink for a headless run: inbound bytes
// stream to stdout, geometry and focus are no-ops.
type stdioSink struct {
	out io.Writer
}

func (s *stdioSink) Write(text string) { io.WriteString(s.out, text) }

func (s *stdioSink) Reset() {}

func (s *stdioSink) Focus() {}

func (s *stdioSink) GetSelection() string { return "" }

func (s *stdioSink) Resize(cols, rows int) {}
