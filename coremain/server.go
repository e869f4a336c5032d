/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsserver.
 *
 * dnsserver is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dnsserver is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/00mjk/DnsServer/mlog"
	"github.com/00mjk/DnsServer/pkg/cache"
)

// DnsServer glues the cache manager to its runtime: config, logging,
// metrics, the admin http api and the background eviction and snapshot
// loops. It is the cache's ServerView.
type DnsServer struct {
	logger *zap.Logger
	cfg    *Config
	dir    string

	serveStale     atomic.Bool
	udpPayloadSize atomic.Uint32

	cache *cache.Manager

	httpAPIMux    *http.ServeMux
	httpAPIServer *http.Server
	metricsReg    *prometheus.Registry

	saveSF singleflight.Group

	// Lifecycle: ctx is cancelled on shutdown, wg tracks the background
	// loops, closeErr records the first fatal error.
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ cache.ServerView = (*DnsServer)(nil)

func (s *DnsServer) ServeStale() bool { return s.serveStale.Load() }

func (s *DnsServer) UDPPayloadSize() uint16 { return uint16(s.udpPayloadSize.Load()) }

func (s *DnsServer) ConfigDir() string { return s.dir }

// Cache returns the cache manager, the upward API for the resolver.
func (s *DnsServer) Cache() *cache.Manager { return s.cache }

// shutdown stops the server. The first caller's error wins and is
// returned by RunDnsServer.
func (s *DnsServer) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.cancel()
	})
}

// goAttach runs f in a tracked goroutine. f must return when ctx is done.
func (s *DnsServer) goAttach(f func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
}

func RunDnsServer(cfg *Config, v *viper.Viper) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &DnsServer{
		logger:     lg,
		cfg:        cfg,
		dir:        dir,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.serveStale.Store(cfg.Cache.ServeStale)
	s.udpPayloadSize.Store(uint32(cfg.EDNS.UDPPayloadSize))

	s.cache, err = cache.NewManager(cache.Opts{
		Server:         s,
		Logger:         lg.Named("cache"),
		MaximumEntries: cfg.Cache.MaximumEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to init cache, %w", err)
	}
	for _, c := range s.cache.Collectors() {
		if err := s.metricsReg.Register(c); err != nil {
			return fmt.Errorf("failed to register cache metrics, %w", err)
		}
	}

	if !cfg.Cache.DisableLoadSnapshot {
		if err := s.cache.LoadSnapshot(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				lg.Info("no cache snapshot to load")
			} else {
				lg.Error("failed to load cache snapshot", zap.Error(err))
			}
		}
	}

	s.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
	s.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	s.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s.regAPIHandlers()

	s.goAttach(func(ctx context.Context) {
		s.evictionLoop(ctx, time.Duration(cfg.Cache.EvictionIntervalSec)*time.Second)
	})
	if iv := cfg.Cache.SnapshotIntervalSec; iv > 0 {
		s.goAttach(func(ctx context.Context) {
			s.snapshotLoop(ctx, time.Duration(iv)*time.Second)
		})
	}

	if v != nil {
		v.OnConfigChange(func(in fsnotify.Event) {
			s.reloadRuntimeConfig(v, in)
		})
		v.WatchConfig()
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		s.httpAPIServer = &http.Server{
			Addr:    httpAddr,
			Handler: s.httpAPIMux,
		}
		s.goAttach(func(ctx context.Context) {
			errChan := make(chan error, 1)
			go func() {
				s.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- s.httpAPIServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				s.shutdown(err)
			case <-ctx.Done():
				s.httpAPIServer.Close()
				<-errChan
			}
		})
	}

	s.goAttach(func(ctx context.Context) {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		select {
		case sig := <-c:
			s.logger.Info("signal received", zap.Stringer("signal", sig))
			s.shutdown(nil)
		case <-ctx.Done():
		}
	})

	<-ctx.Done()
	if !cfg.Cache.DisableSaveOnShutdown {
		if err := s.saveSnapshot(); err != nil {
			s.logger.Error("failed to save cache snapshot", zap.Error(err))
		}
	}
	s.wg.Wait()
	return s.closeErr
}

// saveSnapshot collapses concurrent save triggers (api, timer, shutdown)
// into one running save.
func (s *DnsServer) saveSnapshot() error {
	_, err, _ := s.saveSF.Do("save", func() (interface{}, error) {
		return nil, s.cache.SaveSnapshot()
	})
	return err
}

func (s *DnsServer) evictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cache.RemoveExpiredRecords()
		case <-ctx.Done():
			return
		}
	}
}

func (s *DnsServer) snapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.saveSnapshot(); err != nil {
				s.logger.Error("periodic snapshot failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// reloadRuntimeConfig applies the runtime tunables of a changed config
// file: capacity, serve stale and payload size. Everything else needs a
// restart.
func (s *DnsServer) reloadRuntimeConfig(v *viper.Viper, in fsnotify.Event) {
	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		s.logger.Error("ignoring config change", zap.String("file", in.Name), zap.Error(err))
		return
	}
	cfg.init()

	if err := s.cache.SetMaximumEntries(cfg.Cache.MaximumEntries); err != nil {
		s.logger.Error("ignoring maximum_entries change", zap.Error(err))
	}
	s.serveStale.Store(cfg.Cache.ServeStale)
	s.udpPayloadSize.Store(uint32(cfg.EDNS.UDPPayloadSize))
	s.logger.Info("runtime config reloaded",
		zap.Int("maximum_entries", cfg.Cache.MaximumEntries),
		zap.Bool("serve_stale", cfg.Cache.ServeStale),
	)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
