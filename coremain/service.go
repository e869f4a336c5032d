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
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/00mjk/DnsServer/mlog"
)

var svcCfg = &service.Config{
	Name:        "dnsserver",
	DisplayName: "dnsserver",
	Description: "A DNS server with a recursive cache.",
}

// serverService adapts StartServer to the system service manager.
type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.S().Fatal(err)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	return nil
}

var svcInstance service.Service

func initService(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get the working directory, %w", err)
	}
	cfg := *svcCfg
	cfg.Arguments = []string{"start", "--as-service", "-d", wd}

	svcInstance, err = service.New(&serverService{f: new(serverFlags)}, &cfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	return nil
}

func newSvcCmd(use string, f func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s the service.", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newSvcInstallCmd() *cobra.Command {
	return newSvcCmd("install", func() error { return svcInstance.Install() })
}

func newSvcUninstallCmd() *cobra.Command {
	return newSvcCmd("uninstall", func() error { return svcInstance.Uninstall() })
}

func newSvcStartCmd() *cobra.Command {
	return newSvcCmd("start", func() error { return svcInstance.Start() })
}

func newSvcStopCmd() *cobra.Command {
	return newSvcCmd("stop", func() error { return svcInstance.Stop() })
}

func newSvcRestartCmd() *cobra.Command {
	return newSvcCmd("restart", func() error { return svcInstance.Restart() })
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the service status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svcInstance.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}
