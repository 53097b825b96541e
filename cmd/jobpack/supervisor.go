// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// defaultStopGrace is how long a child gets to exit after an interrupt
// before it is killed.
const defaultStopGrace = 5 * time.Second

// supervisor runs one child process and replaces it on Restart.
//
// Thread Safety:
//
//	Safe for concurrent use. Restart and Stop serialize on the same lock.
type supervisor struct {
	name   string
	args   []string
	dir    string
	stdout io.Writer
	stderr io.Writer
	grace  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	restarts int
	stopped  bool
}

func newSupervisor(argv []string, dir string, logger *slog.Logger) (*supervisor, error) {
	if len(argv) == 0 {
		return nil, errors.New("supervisor needs a command")
	}
	return &supervisor{
		name:   argv[0],
		args:   argv[1:],
		dir:    dir,
		stdout: os.Stdout,
		stderr: os.Stderr,
		grace:  defaultStopGrace,
		logger: logger,
	}, nil
}

// Start launches the child.
func (s *supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

// Restart stops the running child, if any, and launches a new one. It does
// nothing after Stop.
func (s *supervisor) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.stopLocked()
	s.restarts++
	if err := s.startLocked(); err != nil {
		s.logger.Error("restarting child process", slog.Any("error", err))
		return
	}
	s.logger.Info("child process restarted",
		slog.Int("pid", s.cmd.Process.Pid),
		slog.Int("restarts", s.restarts))
}

// Stop stops the child for good. It is a no-op when nothing is running.
func (s *supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopLocked()
}

// Pid returns the running child's pid, or 0.
func (s *supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *supervisor) startLocked() error {
	cmd := exec.Command(s.name, s.args...)
	cmd.Dir = s.dir
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.name, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		s.logger.Debug("child process exited",
			slog.Int("pid", cmd.Process.Pid),
			slog.Any("error", err))
		close(exited)
	}()
	s.cmd, s.exited = cmd, exited
	return nil
}

func (s *supervisor) stopLocked() {
	if s.cmd == nil {
		return
	}
	cmd, exited := s.cmd, s.exited
	s.cmd, s.exited = nil, nil

	select {
	case <-exited:
		return
	default:
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-exited:
	case <-time.After(s.grace):
		s.logger.Warn("child ignored interrupt, killing", slog.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-exited
	}
}
