package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openmined/storesync/internal/config"
	"github.com/openmined/storesync/internal/journal"
	"github.com/openmined/storesync/internal/transport"
	"github.com/openmined/storesync/internal/utils"
	"github.com/openmined/storesync/internal/workspace"
	"github.com/spf13/cobra"
)

// session is the state a command runs with. close releases it in reverse
// order of acquisition.
type session struct {
	cfg     *config.Config
	ws      *workspace.Workspace
	journal *journal.Journal

	closers []func() error
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.New(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := ws.Setup(); err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, ws: ws}

	if err := s.setupLogger(); err != nil {
		return nil, err
	}

	s.journal = journal.New(ws.JournalPath())
	if err := s.journal.Open(); err != nil {
		s.close()
		return nil, err
	}
	s.closers = append(s.closers, s.journal.Close)

	slog.Debug("session", "config", cfg.Path, "state", ws.Root, "backend", cfg.Backend.Type)
	return s, nil
}

// setupLogger sends logs to the console and to the workspace log file.
func (s *session) setupLogger() error {
	file, err := os.OpenFile(s.ws.LogFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	previous := slog.Default()
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(utils.NewFanoutHandler(newConsoleHandler(s.cfg.Level()), fileHandler)))

	s.closers = append(s.closers, func() error {
		slog.SetDefault(previous)
		return file.Close()
	})
	return nil
}

// lock takes the per-document lock until the session closes.
func (s *session) lock(documentID string) error {
	lock, err := s.ws.LockDocument(documentID)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, lock.Unlock)
	return nil
}

func (s *session) adapter() (transport.Adapter, error) {
	return s.cfg.Backend.NewAdapter(s.cfg.Layout())
}

func (s *session) dispatcher() *transport.Dispatcher {
	return transport.NewDispatcher(s.cfg.Workers)
}

func (s *session) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// withSession runs fn inside an open session.
func withSession(cmd *cobra.Command, fn func(s *session) error) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	cmd.SilenceUsage = true
	return fn(s)
}
