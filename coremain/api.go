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
	"encoding/json"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/00mjk/DnsServer/pkg/cache"
)

// regAPIHandlers mounts the cache admin endpoints on the api mux.
func (s *DnsServer) regAPIHandlers() {
	s.httpAPIMux.HandleFunc("/cache/flush", func(w http.ResponseWriter, req *http.Request) {
		s.cache.Flush()
		w.WriteHeader(http.StatusNoContent)
	})

	s.httpAPIMux.HandleFunc("/cache/save", func(w http.ResponseWriter, req *http.Request) {
		if err := s.saveSnapshot(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	s.httpAPIMux.HandleFunc("/cache/delete", func(w http.ResponseWriter, req *http.Request) {
		domain := req.URL.Query().Get("domain")
		if len(domain) == 0 {
			http.Error(w, "missing domain", http.StatusBadRequest)
			return
		}
		s.cache.DeleteZone(domain)
		w.WriteHeader(http.StatusNoContent)
	})

	s.httpAPIMux.HandleFunc("/cache/delete_ecs", func(w http.ResponseWriter, req *http.Request) {
		s.cache.DeleteEDNSClientSubnetData()
		w.WriteHeader(http.StatusNoContent)
	})

	s.httpAPIMux.HandleFunc("/cache/subdomains", func(w http.ResponseWriter, req *http.Request) {
		domain := req.URL.Query().Get("domain")
		if len(domain) == 0 {
			domain = "."
		}
		writeJSON(w, s.cache.ListSubDomains(domain))
	})

	s.httpAPIMux.HandleFunc("/cache/records", func(w http.ResponseWriter, req *http.Request) {
		domain := req.URL.Query().Get("domain")
		if len(domain) == 0 {
			http.Error(w, "missing domain", http.StatusBadRequest)
			return
		}
		var records []*cache.Record
		s.cache.ListAllRecords(domain, &records)
		out := make([]string, 0, len(records))
		for _, r := range records {
			if rr := r.RR(); rr != nil {
				out = append(out, rr.String())
			} else {
				out = append(out, r.String())
			}
		}
		writeJSON(w, out)
	})

	s.httpAPIMux.HandleFunc("/cache/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]int64{
			"total_entries":   s.cache.TotalEntries(),
			"maximum_entries": s.cache.MaximumEntries(),
		})
	})

	s.httpAPIMux.HandleFunc("/config", func(w http.ResponseWriter, req *http.Request) {
		b, err := yaml.Marshal(s.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(b)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
