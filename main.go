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

package main

import (
	"os"

	"github.com/00mjk/DnsServer/coremain"
	"github.com/00mjk/DnsServer/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.S().Error(err)
		os.Exit(1)
	}
}
